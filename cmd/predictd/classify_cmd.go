package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/predictd/client"
	"pkt.systems/predictd/internal/predictor"
	"pkt.systems/predictd/internal/stats"
	"pkt.systems/predictd/internal/wire"
	"pkt.systems/pslog"
)

type classifyOptions struct {
	logins   []string
	server   string
	jsonOut  bool
	timeout  time.Duration
	store    string
	model    string
	features string
}

func newClassifyCommand(logger pslog.Logger) *cobra.Command {
	var opts classifyOptions
	cmd := &cobra.Command{
		Use:   "classify [login...]",
		Short: "Classify players as beginners or experienced",
		Long: `Classify players through a running server (--server) or locally by opening
the stats store and model directly.`,
		Example: `
  predictd classify --server 127.0.0.1:9342 --logins alice,bob
  predictd classify --store sqlite:///var/lib/predictd/stats.db --model model.yaml alice
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logins := append(append([]string(nil), opts.logins...), args...)
			if len(logins) == 0 {
				return fmt.Errorf("no logins given (use --logins or positional arguments)")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if opts.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.timeout)
				defer cancel()
			}

			var (
				resp *client.Response
				err  error
			)
			if strings.TrimSpace(opts.server) != "" {
				resp, err = classifyRemote(ctx, opts, logins, logger)
			} else {
				opts.store = pick(cmd, "store", opts.store)
				opts.model = pick(cmd, "model", opts.model)
				opts.features = pick(cmd, "features", opts.features)
				resp, err = classifyLocal(ctx, opts, logins, logger)
			}
			var apiErr *client.Error
			if err != nil && !errors.As(err, &apiErr) {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			writeHuman(cmd.OutOrStdout(), resp)
			if apiErr != nil {
				return apiErr
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVarP(&opts.logins, "logins", "l", nil, "player logins to classify (comma separated or repeated)")
	flags.StringVarP(&opts.server, "server", "s", "", "classify through a running server at host:port")
	flags.BoolVar(&opts.jsonOut, "json", false, "print the raw response as JSON")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall timeout (0 disables)")
	flags.StringVar(&opts.store, "store", "", "stats backend URL for local classification (defaults to the server's store setting)")
	flags.StringVar(&opts.model, "model", "", "model file for local classification (defaults to the server's model setting)")
	flags.StringVar(&opts.features, "features", "", "model inputs for local classification (defaults to the server's features setting)")
	return cmd
}

// pick returns the classify flag value when set and the shared server
// setting (flag default, config file or PREDICTD_* env) otherwise.
func pick(cmd *cobra.Command, name, value string) string {
	if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
		return value
	}
	return viper.GetString(name)
}

func classifyRemote(ctx context.Context, opts classifyOptions, logins []string, logger pslog.Logger) (*client.Response, error) {
	cli, err := client.New(opts.server, client.WithLogger(logger), client.WithTimeout(opts.timeout))
	if err != nil {
		return nil, err
	}
	return cli.Predict(ctx, logins...)
}

func classifyLocal(ctx context.Context, opts classifyOptions, logins []string, logger pslog.Logger) (*client.Response, error) {
	features, err := stats.ParseFeatures(opts.features)
	if err != nil {
		return nil, err
	}
	model, err := predictor.LoadModel(opts.model)
	if err != nil {
		return nil, err
	}
	store, err := stats.Open(ctx, opts.store, logger)
	if err != nil {
		return nil, err
	}
	classifier, err := predictor.NewClassifier(store, model, features)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	gateway := predictor.NewGateway(classifier, logger)
	defer gateway.Close()

	resp := &client.Response{Errno: client.ErrnoOK, Predictions: make([]client.Prediction, 0, len(logins))}
	for _, login := range logins {
		pred, err := gateway.Classify(ctx, login)
		switch {
		case err == nil:
			resp.Predictions = append(resp.Predictions, client.Prediction{
				Login:       login,
				Success:     true,
				Experienced: pred.Experienced,
				Beginner:    pred.Beginner,
			})
		case errors.Is(err, predictor.ErrUnavailable):
			failure := wire.Failure(wire.ErrnoDatabase, false)
			resp = &client.Response{Errno: int(failure.Errno), Error: failure.Error}
			return resp, &client.Error{Errno: resp.Errno, Message: resp.Error}
		default:
			if !errors.Is(err, predictor.ErrNotFound) {
				logger.Warn("predictd.classify.failed", "login", login, "error", err)
			}
			nf := wire.NotFound(login)
			resp.Predictions = append(resp.Predictions, client.Prediction{Login: login, Error: nf.Error})
		}
	}
	return resp, nil
}

func writeJSON(w io.Writer, resp *client.Response) error {
	if resp == nil {
		resp = &client.Response{Predictions: []client.Prediction{}}
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(resp)
}

func writeHuman(w io.Writer, resp *client.Response) {
	if resp == nil {
		return
	}
	if resp.Errno != client.ErrnoOK {
		fmt.Fprintf(w, "[-] Error: %s\n", resp.Error)
		return
	}
	for _, p := range resp.Predictions {
		if !p.Success {
			fmt.Fprintf(w, "[-] Error: %s\n", p.Error)
			continue
		}
		if p.Beginner > 0.5 {
			fmt.Fprintf(w, "[+] %s is a beginner (%.2f%% sure)\n", p.Login, p.Beginner*100)
		} else {
			fmt.Fprintf(w, "[+] %s is experienced (%.2f%% sure)\n", p.Login, p.Experienced*100)
		}
	}
}
