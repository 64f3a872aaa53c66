package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tbourn/go-tryon-backend/internal/app"
	"github.com/tbourn/go-tryon-backend/internal/background"
	"github.com/tbourn/go-tryon-backend/internal/imaging"
	"github.com/tbourn/go-tryon-backend/internal/quota"
	"github.com/tbourn/go-tryon-backend/internal/services"
	"github.com/tbourn/go-tryon-backend/internal/sysutil"
)

const cliEndpoint = "cli"

type generateOptions struct {
	*RootOptions
	User     string
	Clothing string
	Person   string
	Website  string
	Save     string
}

func newGenerateCommand(root *RootOptions) *cobra.Command {
	opts := &generateOptions{RootOptions: root}
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Run one try-on generation",
		Long: `Run one try-on generation in-process.

Image arguments are http(s) URLs, data URLs or local file paths.

Example:
  tryond generate --user u1 --clothing shirt.png --person me.jpg --save out.jpg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd)
		},
	}
	cmd.Flags().StringVar(&opts.User, "user", "", "identity (defaults to $TRYON_USER)")
	cmd.Flags().StringVar(&opts.Clothing, "clothing", "", "garment image")
	cmd.Flags().StringVar(&opts.Person, "person", "", "person image (defaults to the profile's full-body image)")
	cmd.Flags().StringVar(&opts.Website, "website", "", "page the garment came from")
	cmd.Flags().StringVar(&opts.Save, "save", "", "write the generated JPEG to this path")
	_ = cmd.MarkFlagRequired("clothing")
	return cmd
}

func (o *generateOptions) run(cmd *cobra.Command) error {
	clothing, err := loadRef(o.Clothing)
	if err != nil {
		return err
	}
	person, err := loadRef(o.Person)
	if err != nil {
		return err
	}

	var res services.TryOnResult
	err = withApp(cmd.Context(), o.RootOptions, func(ctx context.Context, a *app.App) error {
		return a.Bus.Request(ctx, cliEndpoint, background.EndpointName, background.MsgGenerateTryOn, services.TryOnRequest{
			UserID:           userFlag(o.User),
			ClothingImageURL: clothing,
			PersonImageURL:   person,
			WebsiteURL:       o.Website,
		}, &res)
	})
	if err != nil {
		return err
	}

	if o.Save != "" {
		if err := saveDataURL(o.Save, res.GeneratedImage); err != nil {
			return err
		}
	}
	// Keep terminal output readable.
	if strings.HasPrefix(res.GeneratedImage, "data:") {
		res.GeneratedImage = fmt.Sprintf("<%d byte data URL>", len(res.GeneratedImage))
	}
	return render(cmd.OutOrStdout(), o.Output, res)
}

type userOptions struct {
	*RootOptions
	User string
}

func newUsageCommand(root *RootOptions) *cobra.Command {
	opts := &userOptions{RootOptions: root}
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show today's generation count for an identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var u quota.Usage
			err := withApp(cmd.Context(), opts.RootOptions, func(ctx context.Context, a *app.App) error {
				return a.Bus.Request(ctx, cliEndpoint, background.EndpointName, background.MsgGetUsage,
					background.UserRequest{UserID: userFlag(opts.User)}, &u)
			})
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.Output, u)
		},
	}
	cmd.Flags().StringVar(&opts.User, "user", "", "identity (defaults to $TRYON_USER)")
	return cmd
}

func newHistoryCommand(root *RootOptions) *cobra.Command {
	opts := &userOptions{RootOptions: root}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past try-ons for an identity, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var rows []map[string]any
			err := withApp(cmd.Context(), opts.RootOptions, func(ctx context.Context, a *app.App) error {
				return a.Bus.Request(ctx, cliEndpoint, background.EndpointName, background.MsgGetHistory,
					background.UserRequest{UserID: userFlag(opts.User)}, &rows)
			})
			if err != nil {
				return err
			}
			for _, r := range rows {
				for _, k := range []string{"original_image_url", "generated_image_url"} {
					if s, ok := r[k].(string); ok && strings.HasPrefix(s, "data:") {
						r[k] = fmt.Sprintf("<%d byte data URL>", len(s))
					}
				}
			}
			return render(cmd.OutOrStdout(), opts.Output, rows)
		},
	}
	cmd.Flags().StringVar(&opts.User, "user", "", "identity (defaults to $TRYON_USER)")
	return cmd
}

// withApp builds the application, runs fn under the saga timeout, and
// closes it again.
func withApp(ctx context.Context, opts *RootOptions, fn func(context.Context, *app.App) error) error {
	cfg, log, err := opts.setup()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, log, opts.App)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

	ctx, cancel := context.WithTimeout(ctx, cfg.SagaTimeout)
	defer cancel()
	return fn(ctx, a)
}

func userFlag(v string) string {
	return strings.TrimSpace(sysutil.FirstNonEmpty(v, os.Getenv("TRYON_USER")))
}

// loadRef passes URLs through and turns a local file into a data URL.
func loadRef(ref string) (string, error) {
	switch {
	case ref == "",
		strings.HasPrefix(ref, "http://"),
		strings.HasPrefix(ref, "https://"),
		strings.HasPrefix(ref, "data:"):
		return ref, nil
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	return imaging.EncodeDataURL(http.DetectContentType(data), data), nil
}

func saveDataURL(path, ref string) error {
	if !strings.HasPrefix(ref, "data:") {
		return fmt.Errorf("--save needs a data URL artifact, got %q", ref)
	}
	_, data, err := imaging.DecodeDataURL(ref)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
