package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/ebusd-bridge/internal/api"
	"github.com/nerrad567/ebusd-bridge/internal/bridges/ebusd"
	"github.com/nerrad567/ebusd-bridge/internal/infrastructure/config"
)

// inspectTimeout bounds each inspect command.
const inspectTimeout = 30 * time.Second

// catalogSource is the part of the gateway the inspect commands use.
type catalogSource interface {
	ListCircuits(ctx context.Context) ([]string, error)
	FetchConfiguration(ctx context.Context, circuit string) ([]byte, error)
	FetchCurrentValue(ctx context.Context, circuit, message string) (ebusd.Payload, error)
}

func newInspectCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Query the ebusd gateway without starting the bridge",
		Long: `Inspect talks to the ebusd HTTP port configured in ebusd.host/ebusd.port.

Examples:
  # List circuits known to ebusd
  ebusdbridge inspect circuits

  # Show the decoded message model of a circuit
  ebusdbridge inspect messages bai

  # Read and decode one message
  ebusdbridge inspect value bai FlowTemp`,
	}

	gateway := func() (catalogSource, *config.Config, error) {
		cfg, err := config.Load(getConfigPath(*configPath))
		if err != nil {
			return nil, nil, fmt.Errorf("loading config: %w", err)
		}
		gw := ebusd.NewGateway(cfg.Ebusd.Host, cfg.Ebusd.Port, ebusd.GatewayOptions{
			Timeout: time.Duration(cfg.Ebusd.RequestTimeout) * time.Second,
		})
		return gw, cfg, nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "circuits",
			Short: "List circuits known to the gateway",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				gw, _, err := gateway()
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), inspectTimeout)
				defer cancel()
				return printCircuits(ctx, cmd.OutOrStdout(), gw)
			},
		},
		&cobra.Command{
			Use:   "messages <circuit>",
			Short: "Show the message model of a circuit",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				gw, cfg, err := gateway()
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), inspectTimeout)
				defer cancel()
				set, err := fetchMessageSet(ctx, gw, args[0])
				if err != nil {
					return err
				}
				return printMessages(cmd.OutOrStdout(), set, labelOptions(cfg))
			},
		},
		&cobra.Command{
			Use:   "value <circuit> <message>",
			Short: "Read and decode the current value of a message",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				gw, cfg, err := gateway()
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), inspectTimeout)
				defer cancel()
				return printValue(ctx, cmd.OutOrStdout(), gw, labelOptions(cfg), args[0], args[1])
			},
		},
	)
	return cmd
}

func labelOptions(cfg *config.Config) ebusd.LabelOptions {
	labels := ebusd.LabelOptions{From: cfg.Ebusd.Labels.From, To: cfg.Ebusd.Labels.To}
	if labels == (ebusd.LabelOptions{}) {
		labels = ebusd.DefaultLabelOptions()
	}
	return labels
}

func printCircuits(ctx context.Context, out io.Writer, gw catalogSource) error {
	circuits, err := gw.ListCircuits(ctx)
	if err != nil {
		return fmt.Errorf("listing circuits: %w", err)
	}
	for _, c := range circuits {
		fmt.Fprintln(out, c)
	}
	return nil
}

// fetchMessageSet reads, validates and normalises a circuit's catalog.
func fetchMessageSet(ctx context.Context, gw catalogSource, circuit string) (*ebusd.MessageSet, error) {
	circuit = strings.ToLower(strings.TrimSpace(circuit))
	doc, err := gw.FetchConfiguration(ctx, circuit)
	if err != nil {
		return nil, fmt.Errorf("fetching configuration: %w", err)
	}

	validator, err := ebusd.NewCatalogValidator()
	if err != nil {
		return nil, fmt.Errorf("compiling catalog schema: %w", err)
	}
	if err := validator.ValidateCircuit(doc, circuit); err != nil {
		return nil, err
	}

	raw, err := ebusd.ParseCircuitMessages(doc, circuit)
	if err != nil {
		return nil, err
	}
	return ebusd.NewMessageSet(circuit, 0, time.Now(), ebusd.BuildMessages(raw)), nil
}

func printMessages(out io.Writer, set *ebusd.MessageSet, labels ebusd.LabelOptions) error {
	list, skipped := ebusd.BuildVariableList(set, nil, labels)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MESSAGE\tREAD\tWRITE\tIDENTS\tLABELS")
	for _, e := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.MessageName, yesNo(e.Readable), yesNo(e.Writable), e.IdentNames, e.VariableNames)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(skipped) > 0 {
		fmt.Fprintf(out, "\nskipped (no fields): %s\n", strings.Join(skipped, ", "))
	}
	return nil
}

func printValue(ctx context.Context, out io.Writer, gw catalogSource, labels ebusd.LabelOptions, circuit, message string) error {
	set, err := fetchMessageSet(ctx, gw, circuit)
	if err != nil {
		return err
	}
	msg, ok := set.Get(message)
	if !ok {
		return fmt.Errorf("%w: %s", ebusd.ErrMessageNotFound, message)
	}

	payload, err := gw.FetchCurrentValue(ctx, set.Circuit(), message)
	if err != nil {
		return fmt.Errorf("reading %s: %w", message, err)
	}
	d, err := ebusd.NewCodec(ebusd.NewDefaultTypeRegistry(), labels).DecodeMessage(msg, payload, false)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENT\tLABEL\tKIND\tVALUE")
	for _, v := range d.Present() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", v.Ident, v.Label, v.Kind, v.Value)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, issue := range d.Issues {
		fmt.Fprintf(out, "issue: %v (%s)\n", issue, issue.Class)
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the REST API",
		Long: `Token signs an HS256 bearer token with api.auth.jwt_secret. Set the
secret via EBUSBRIDGE_JWT_SECRET rather than in the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(getConfigPath(*configPath))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			token, err := api.IssueToken(cfg.API.Auth.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
