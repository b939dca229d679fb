package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/drblury/sagaflow/internal/runtime/idempotency"
	"github.com/drblury/sagaflow/internal/runtime/jsoncodec"
)

func newDeriveKeyCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "derive-key",
		Short: "Print the idempotency key derived for a request",
		Long: `Prints the idempotency key the operation manager derives from a tenant,
a user, an operation type and the request parameters. Parameters are JSON;
object key order and Unicode normalisation do not change the key.`,
		Example: `  sagaflowd derive-key --operation send_email --user u1 --params '{"to":"a@b.c"}'`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var params any
			if raw := v.GetString("params"); raw != "" {
				if err := jsoncodec.Unmarshal([]byte(raw), &params); err != nil {
					return fmt.Errorf("params: %w", err)
				}
			}
			key, err := idempotency.DeriveKey(v.GetString("tenant"), v.GetString("user"), v.GetString("operation"), params)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		},
	}

	flags := cmd.Flags()
	flags.String("tenant", "", "tenant id")
	flags.String("user", "", "user id")
	flags.String("operation", "", "operation type")
	flags.String("params", "", "request parameters as JSON")
	_ = cmd.MarkFlagRequired("operation")
	mustBind(v, flags, "tenant", "user", "operation", "params")
	return cmd
}
