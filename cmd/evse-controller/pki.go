package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"evse-controller/internal/pki"
)

func newPKICmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pki",
		Short: "Read or replace the TLS certificate material",
	}
	cmd.PersistentFlags().String("pki-dir", "", "Directory of the PEM store")

	get := &cobra.Command{
		Use:   "get <server_cert|server_key|root_ca>",
		Short: "Print a stored PEM object as base64",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, kind, err := openPKI(cmd, args[0])
			if err != nil {
				return err
			}
			data, err := s.Get(kind)
			if err != nil {
				return err
			}
			fmt.Println(base64.StdEncoding.EncodeToString(data))
			return nil
		},
	}

	var file string
	set := &cobra.Command{
		Use:   "set <server_cert|server_key|root_ca> [base64]",
		Short: "Store a PEM object given as base64 or read from --file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, kind, err := openPKI(cmd, args[0])
			if err != nil {
				return err
			}
			var data []byte
			switch {
			case file != "":
				if data, err = os.ReadFile(file); err != nil {
					return fmt.Errorf("failed to read %s: %w", file, err)
				}
			case len(args) == 2:
				if data, err = base64.StdEncoding.DecodeString(strings.TrimSpace(args[1])); err != nil {
					return fmt.Errorf("invalid base64: %w", err)
				}
			default:
				return fmt.Errorf("either a base64 argument or --file is required")
			}
			if err := s.Set(kind, data); err != nil {
				return err
			}
			fmt.Printf("Stored %s (%d bytes) in %s\n", kind, len(data), s.Dir())
			return nil
		},
	}
	set.Flags().StringVar(&file, "file", "", "PEM file to store")

	cmd.AddCommand(get, set)
	return cmd
}

func openPKI(cmd *cobra.Command, kindArg string) (*pki.Store, pki.Kind, error) {
	kind, err := pki.ParseKind(kindArg)
	if err != nil {
		return nil, "", err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, "", err
	}
	s, err := pki.NewStore(cfg.PKI.Dir)
	if err != nil {
		return nil, "", err
	}
	return s, kind, nil
}
