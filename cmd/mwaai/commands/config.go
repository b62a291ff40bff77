package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/jholhewres/mwaai/pkg/mwaai/copilot"
	"github.com/jholhewres/mwaai/pkg/mwaai/database"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// newConfigCmd creates the `mwaai config` command.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
		Long: `Manage the mwaai configuration.

Examples:
  mwaai config init
  mwaai config init --defaults
  mwaai config show
  mwaai config set-key api_key
  mwaai config set-key whatsapp_token --delete`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigSetKeyCmd(),
	)
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config.yaml, asking for the basics on a terminal",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := copilot.DefaultConfig()
			defaults, _ := cmd.Flags().GetBool("defaults")
			if !defaults && term.IsTerminal(int(os.Stdin.Fd())) {
				answers, err := askInitAnswers()
				if err != nil {
					return err
				}
				if err := answers.apply(cfg); err != nil {
					return err
				}
			}

			if err := copilot.SaveConfigToFile(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
			fmt.Fprintln(cmd.OutOrStdout(), "Secrets come from the OS keyring (mwaai config set-key) or OPENAI_API_KEY, WHATSAPP_TOKEN and WHATSAPP_VERIFY_TOKEN.")
			return nil
		},
	}

	cmd.Flags().Bool("force", false, "overwrite an existing file")
	cmd.Flags().Bool("defaults", false, "write the defaults without prompting")
	return cmd
}

// initAnswers holds what `config init` asks for interactively.
type initAnswers struct {
	APIKey        string
	PhoneNumberID string
	Storage       string
}

// Storage choices offered by `config init`.
const (
	storageChoiceFile     = "file"
	storageChoiceSQLite   = "sqlite"
	storageChoicePostgres = "postgresql"
)

func askInitAnswers() (initAnswers, error) {
	answers := initAnswers{Storage: storageChoiceSQLite}
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("OpenAI API key").
				Description("Stored in the OS keyring, never in config.yaml. Leave empty to use OPENAI_API_KEY.").
				EchoMode(huh.EchoModePassword).
				Value(&answers.APIKey),
			huh.NewInput().
				Title("WhatsApp phone number ID").
				Description("The Cloud API business number to serve. Leave empty to serve any.").
				Value(&answers.PhoneNumberID),
			huh.NewSelect[string]().
				Title("Storage backend").
				Options(
					huh.NewOption("SQLite database", storageChoiceSQLite),
					huh.NewOption("PostgreSQL database", storageChoicePostgres),
					huh.NewOption("JSON files", storageChoiceFile),
				).
				Value(&answers.Storage),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return answers, errors.New("setup cancelled")
		}
		return answers, err
	}
	return answers, nil
}

// apply copies the answers into cfg. The API key goes to the keyring.
func (a initAnswers) apply(cfg *copilot.Config) error {
	if id := strings.TrimSpace(a.PhoneNumberID); id != "" {
		cfg.Channels.CloudAPI.PhoneNumberIDs = []string{id}
	}

	switch a.Storage {
	case storageChoiceFile:
		cfg.Storage.Backend = copilot.StorageFile
	case storageChoiceSQLite:
		cfg.Storage.Backend = copilot.StorageDatabase
		cfg.Database.Backend = database.BackendSQLite
	case storageChoicePostgres:
		cfg.Storage.Backend = copilot.StorageDatabase
		cfg.Database.Backend = database.BackendPostgreSQL
	default:
		return fmt.Errorf("unknown storage choice %q", a.Storage)
	}

	if key := strings.TrimSpace(a.APIKey); key != "" {
		if err := copilot.StoreKeyring(copilot.SecretAPIKey, key); err != nil {
			return fmt.Errorf("saving API key to the keyring: %w (set OPENAI_API_KEY instead)", err)
		}
	}
	return nil
}

func newConfigSetKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-key <name> [value]",
		Short: "Store a secret in the OS keyring",
		Long: fmt.Sprintf(`Store a secret in the OS keyring. Keyring values take precedence
over environment variables.

Names: %s

Without a value the secret is read from the terminal (hidden) or stdin.`,
			strings.Join(copilot.KeyringSecrets, ", ")),
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if del, _ := cmd.Flags().GetBool("delete"); del {
				if err := copilot.DeleteKeyring(name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from the keyring\n", name)
				return nil
			}

			var value string
			if len(args) == 2 {
				value = args[1]
			} else {
				v, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), name)
				if err != nil {
					return err
				}
				value = v
			}

			if err := copilot.StoreKeyring(name, strings.TrimSpace(value)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s in the keyring\n", name)
			return nil
		},
	}

	cmd.Flags().Bool("delete", false, "remove the secret instead")
	return cmd
}

// readSecret reads one line, hiding input when in is the terminal.
func readSecret(in io.Reader, prompt io.Writer, name string) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintf(prompt, "%s: ", name)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", name, err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading %s: %w", name, err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			masked := *cfg
			masked.API.APIKey = mask(masked.API.APIKey)
			masked.Memory.Embedding.APIKey = mask(masked.Memory.Embedding.APIKey)
			masked.Channels.CloudAPI.Token = mask(masked.Channels.CloudAPI.Token)
			masked.Channels.CloudAPI.VerifyToken = mask(masked.Channels.CloudAPI.VerifyToken)
			masked.Database.PostgreSQL.Password = mask(masked.Database.PostgreSQL.Password)
			masked.Gateway.AuthToken = mask(masked.Gateway.AuthToken)

			out, err := yaml.Marshal(&masked)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

// mask hides all but the last four characters of a secret.
func mask(s string) string {
	if s == "" || copilot.IsEnvReference(s) {
		return s
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
