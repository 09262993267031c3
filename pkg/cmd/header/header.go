package header

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/stleox/seetrace/pkg/config"
	"github.com/stleox/seetrace/pkg/tracer"
)

type generateOpts struct {
	traceID string
	spanID  string
	options int
}

func (o *generateOpts) flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("generate", pflag.ContinueOnError)
	fs.StringVar(&o.traceID, "trace-id", "", "Trace id, hex (default: a new random id)")
	fs.StringVar(&o.spanID, "span-id", "", "Span id, decimal (default: a new random id)")
	fs.IntVarP(&o.options, "options", "o", -1, "Trace options, bit 0 = sampled (default: omitted)")
	return fs
}

func New() *cobra.Command {
	header := &cobra.Command{
		Use:   "header",
		Short: "Parse or generate " + config.ContextHeaderName + " header values",
	}
	header.AddCommand(newParse(), newGenerate())
	return header
}

func newParse() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <value>",
		Short: "Print the trace context carried by a header value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tc, ok := tracer.ParseContextHeader(args[0])
			if !ok {
				return fmt.Errorf("malformed trace context header: %q", args[0])
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "traceId: %s\n", tc.TraceID)
			fmt.Fprintf(out, "spanId:  %s\n", tc.SpanID)
			if tc.OptionsSet {
				fmt.Fprintf(out, "options: %d\n", tc.Options)
			} else {
				fmt.Fprintln(out, "options: <unset>")
			}
			fmt.Fprintf(out, "sampled: %t\n", tc.Sampled())
			return nil
		},
	}
}

func newGenerate() *cobra.Command {
	var opts generateOpts
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Print a header value for a new or given trace context",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tc := tracer.TraceContext{TraceID: opts.traceID, SpanID: opts.spanID}
			if tc.TraceID == "" {
				tc.TraceID = tracer.NewTraceID()
			}
			if tc.SpanID == "" {
				tc.SpanID = tracer.NewSpanID()
			}
			if opts.options >= 0 {
				tc.Options = opts.options
				tc.OptionsSet = true
			}
			value := tracer.GenerateContextHeader(tc)
			if _, ok := tracer.ParseContextHeader(value); !ok {
				return fmt.Errorf("invalid trace context: %q", value)
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
	generate.Flags().AddFlagSet(opts.flags())
	return generate
}
