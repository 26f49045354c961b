package session

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/lib/conn"
	"github.com/ValentinKolb/dSync/lib/resource"
	"github.com/spf13/cobra"
)

var (
	keychainCmd = &cobra.Command{
		Use:   "keychain",
		Short: "Inspect and modify the keychain",
		Long: `Inspect and modify the keychain of the user. Values are passed and printed base64 encoded.
Changes are sent to the server when the command exits (offline connections only print them).`,
	}
	keychainListCmd = &cobra.Command{
		Use:   "list",
		Short: "List all keychain values (without their content)",
		Args:  cobra.NoArgs,
		RunE: withKeychain(func(c *conn.Connection, s *conn.Session, _ []string) error {
			values := s.Keychain.List()
			fmt.Printf("%-22s%-40s%-10s%s\n", "TYPE", "KEY", "SEALED", "SIZE")
			for _, v := range values {
				fmt.Printf("%-22s%-40s%-10t%d\n", v.Type, v.Key, v.Encrypted, v.Size)
			}
			fmt.Printf("\n%d values\n", len(values))
			return nil
		}),
	}
	keychainGetCmd = &cobra.Command{
		Use:   "get [key] [type]",
		Short: "Print the decrypted value of a key",
		Args:  cobra.ExactArgs(2),
		RunE: withKeychain(func(c *conn.Connection, s *conn.Session, args []string) error {
			t, err := parseType(args[1])
			if err != nil {
				return err
			}
			value, ok, err := s.Keychain.Get(args[0], t)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no %s for %q", t, args[0])
			}
			fmt.Println(base64.StdEncoding.EncodeToString(value))
			return nil
		}),
	}
	keychainSetCmd = &cobra.Command{
		Use:   "set [key] [type] [base64 value]",
		Short: "Set a keychain value, without value a new random key is generated",
		Args:  cobra.RangeArgs(2, 3),
		RunE: withKeychain(func(c *conn.Connection, s *conn.Session, args []string) error {
			t, err := parseType(args[1])
			if err != nil {
				return err
			}
			if len(args) == 2 {
				if _, err := s.Keychain.GetOrCreate(args[0], t); err != nil {
					return err
				}
				fmt.Println("key exists or was generated")
				return nil
			}
			value, err := base64.StdEncoding.DecodeString(args[2])
			if err != nil {
				return fmt.Errorf("value must be base64: %w", err)
			}
			if err := s.Keychain.Set(args[0], t, value); err != nil {
				return err
			}
			fmt.Println("set successfully")
			return nil
		}),
	}
	keychainRemoveCmd = &cobra.Command{
		Use:   "remove [key] [type]",
		Short: "Remove a keychain value",
		Args:  cobra.ExactArgs(2),
		RunE: withKeychain(func(c *conn.Connection, s *conn.Session, args []string) error {
			t, err := parseType(args[1])
			if err != nil {
				return err
			}
			if err := s.Keychain.Remove(args[0], t); err != nil {
				return err
			}
			fmt.Println("removed successfully")
			return nil
		}),
	}
)

func init() {
	keychainCmd.AddCommand(keychainListCmd)
	keychainCmd.AddCommand(keychainGetCmd)
	keychainCmd.AddCommand(keychainSetCmd)
	keychainCmd.AddCommand(keychainRemoveCmd)
}

// withKeychain opens a connection around fn, pending keychain changes are flushed on disconnect
func withKeychain(fn func(c *conn.Connection, s *conn.Session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := util.BindCommandFlags(cmd); err != nil {
			return err
		}

		c, err := openConnection(context.Background(), false)
		if err != nil {
			return err
		}
		s, err := c.Session()
		if err != nil {
			return err
		}

		if err := fn(c, s, args); err != nil {
			_ = closeConnection(c)
			return err
		}
		if s.Client == nil && s.Keychain.Pending() > 0 {
			fmt.Printf("offline: %d change(s) not sent to a server\n", s.Keychain.Pending())
		}
		return closeConnection(c)
	}
}

func parseType(s string) (resource.ValueType, error) {
	t := resource.ValueType(s)
	if !t.Valid() {
		return "", fmt.Errorf("invalid type %q", s)
	}
	return t, nil
}
