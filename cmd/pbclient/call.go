package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"procbridge/codec"
	"procbridge/message"
)

func newCallCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "call <api> [json-object]",
		Short: "Send one request and print the response body",
		Example: `  pbclient call echo '{"hello":"world"}'
  pbclient call add '{"elements":[1,2,3,4,5]}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := message.Body{}
			if len(args) == 2 {
				parsed, err := message.ParseBody(args[1])
				if err != nil {
					return err
				}
				body = parsed
			}

			result, err := cc.client.Call(cmd.Context(), args[0], body)
			if err != nil {
				return err
			}
			return printBody(cmd.OutOrStdout(), result)
		},
	}
}

// printBody writes body as one line of JSON, or "null" for an empty response.
func printBody(w io.Writer, body message.Body) error {
	if body == nil {
		_, err := fmt.Fprintln(w, "null")
		return err
	}
	data, err := codec.Default().Marshal(body)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
