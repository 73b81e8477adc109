package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// NewRealmCommand constructs the `realm` command group and subcommands.
func NewRealmCommand(baseURL BaseURLFunc) *cobra.Command {
	realmCmd := &cobra.Command{Use: "realm", Short: "Realm operations"}
	realmCmd.AddCommand(newRealmCreateCommand(baseURL), newRealmListCommand(baseURL))
	return realmCmd
}

func newRealmCreateCommand(baseURL BaseURLFunc) *cobra.Command {
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a realm",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			b, _ := json.Marshal(map[string]string{"realm": name})
			resp, err := http.Post(baseURL()+"/v1/realms/create", "application/json", bytes.NewReader(b))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			io.Copy(io.Discard, resp.Body)
			fmt.Fprintln(cmd.OutOrStdout(), "status:", resp.Status)
			return nil
		},
	}
	createCmd.Flags().String("name", "default", "Realm name")
	return createCmd
}

func newRealmListCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List realms",
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := http.Get(baseURL() + "/v1/realms")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, err = io.Copy(cmd.OutOrStdout(), resp.Body)
			return err
		},
	}
}
