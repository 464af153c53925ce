package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/storefront-id/internal/config"
	"github.com/example/storefront-id/internal/imagesource"
	"github.com/example/storefront-id/internal/recognition"
	"github.com/example/storefront-id/internal/workflow"
)

func newIdentifyCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "identify",
		Short: "Capture a storefront and identify the restaurant",
		Long: `Opens an interactive shell over the capture workflow.

Commands:
  capture        take a picture with the configured camera device
  gallery        choose a photo from the gallery directory
  open <path>    use an image file directly
  confirm        send the previewed image for recognition
  retake         discard the current image or result and start over
  back           leave the result or error screen
  status         print the current screen
  wait           block until the current recognition finishes
  quit           exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return runIdentify(cmd.Context(), cfg, logger, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runIdentify(ctx context.Context, cfg config.Config, logger *zap.Logger, in io.Reader, out io.Writer) error {
	sh := newShell(in, out)

	client := recognition.NewClient(recognition.Config{
		Endpoint: cfg.Recognition.Endpoint,
		Timeout:  cfg.Recognition.Timeout,
		Retries:  cfg.Recognition.Retries,
		Token:    cfg.Recognition.Token,
	}, logger)

	opts := []workflow.Option{workflow.WithListener(sh.render)}
	if cfg.Capture.CameraDevice != "" {
		opts = append(opts, workflow.WithCamera(imagesource.NewFileCamera(cfg.Capture.CameraDevice, cfg.Capture.CaptureDir, logger)))
	}
	if cfg.Capture.GalleryDir != "" {
		opts = append(opts, workflow.WithGallery(imagesource.NewDirectoryGallery(cfg.Capture.GalleryDir, sh.choose, logger)))
	}

	ctrl := workflow.New(client, logger, opts...)
	defer ctrl.Close()

	logger.Info("identify shell started", zap.String("endpoint", cfg.Recognition.Endpoint))
	return sh.run(ctx, ctrl)
}

// shell reads one command per line and prints every session change.
type shell struct {
	scanner *bufio.Scanner

	mu  sync.Mutex
	out io.Writer
}

func newShell(in io.Reader, out io.Writer) *shell {
	return &shell{scanner: bufio.NewScanner(in), out: out}
}

func (s *shell) run(ctx context.Context, ctrl *workflow.Controller) error {
	s.render(ctrl.Snapshot())
	for {
		s.printf("> ")
		line, ok := s.readLine()
		if !ok {
			s.printf("\n")
			return s.scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "capture":
			err = ctrl.Capture(ctx)
		case "gallery":
			err = ctrl.PickFromGallery(ctx)
		case "open":
			if len(fields) < 2 {
				s.printf("usage: open <path>\n")
				continue
			}
			err = ctrl.OnImageCaptured(imagesource.Handle(strings.Join(fields[1:], " ")))
		case "confirm":
			err = ctrl.OnConfirm()
		case "retake":
			err = ctrl.OnRetake()
		case "back":
			err = ctrl.OnBack()
		case "status":
			s.render(ctrl.Snapshot())
		case "wait":
			ctrl.Wait()
		case "quit", "exit":
			return nil
		default:
			s.printf("unknown command %q\n", fields[0])
		}
		if err != nil {
			s.report(err)
		}
	}
}

func (s *shell) readLine() (string, bool) {
	if !s.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(s.scanner.Text()), true
}

// choose lists the gallery and reads a number or a file name. An empty line
// cancels the pick.
func (s *shell) choose(ctx context.Context, names []string) (string, error) {
	for i, name := range names {
		s.printf("  %d) %s\n", i+1, name)
	}
	s.printf("photo (empty to cancel): ")

	line, ok := s.readLine()
	if !ok || line == "" {
		return "", nil
	}
	if n, err := strconv.Atoi(line); err == nil {
		if n < 1 || n > len(names) {
			return "", fmt.Errorf("no photo numbered %d", n)
		}
		return names[n-1], nil
	}
	return line, nil
}

func (s *shell) report(err error) {
	switch {
	case errors.Is(err, workflow.ErrInvalidTransition):
		s.printf("not available on this screen\n")
	case errors.Is(err, imagesource.ErrCaptureFailed), errors.Is(err, imagesource.ErrPickFailed):
		// The notice is already on screen.
	case errors.Is(err, workflow.ErrNoCamera):
		s.printf("no camera configured, set CAMERA_DEVICE\n")
	case errors.Is(err, workflow.ErrNoGallery):
		s.printf("no gallery configured, set GALLERY_DIR\n")
	default:
		s.printf("error: %v\n", err)
	}
}

func (s *shell) render(snap workflow.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeSession(s.out, snap)
}

func (s *shell) printf(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func writeSession(w io.Writer, snap workflow.Session) {
	switch snap.State {
	case workflow.StateCapturing:
		fmt.Fprintln(w, "[capture] point the camera at a storefront: capture | gallery | open <path>")
		if snap.Notice != nil {
			fmt.Fprintf(w, "  ! %s\n", snap.Notice.Message)
		}
	case workflow.StatePreviewing:
		fmt.Fprintf(w, "[preview] %s: confirm | retake\n", snap.ImageRef)
	case workflow.StateSubmitting:
		fmt.Fprintln(w, "[identifying] please wait: retake to cancel")
	case workflow.StateResult:
		fmt.Fprintf(w, "[result] %s\n  %s\n  back | retake\n", snap.Result.Name, snap.Result.Description)
	case workflow.StateError:
		fmt.Fprintf(w, "[error] %s\n  back | retake\n", snap.LastError.Message)
	}
}
