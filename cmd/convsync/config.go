package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/servicehub/convsync"
)

var configShowFile bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowFile, "file", false, "print the config file as stored instead of the effective settings")
	configCmd.AddCommand(configShowCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or edit settings",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	Long: "Print the settings the other commands run with: the config file, then .env and\n" +
		"CONVSYNC_* variables, then defaults. Keys taken from the environment are listed below.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if configShowFile {
			return showConfigFile(out)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		masked := *cfg
		masked.Auth.Token = maskToken(cfg.Auth.Token)
		data, err := toml.Marshal(&masked)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Fprint(out, string(data))

		if over := envOverrides(); len(over) > 0 {
			fmt.Fprintln(out)
			for _, o := range over {
				fmt.Fprintf(out, "# %s from %s\n", o.key, o.env)
			}
		}
		return nil
	},
}

func showConfigFile(out io.Writer) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(out, "%s does not exist yet; run 'convsync init <token>'.\n", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot read config: %w", err)
	}
	fmt.Fprint(out, string(data))
	return nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <section.field> <value>",
	Short: "Store one setting in the config file",
	Example: "  convsync config set engine.send_timeout 30s\n" +
		"  convsync config set auth.side vendor",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadFileConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
		return nil
	},
}

type envOverride struct{ key, env string }

// envOverrides lists the config keys whose CONVSYNC_* variable is set.
func envOverrides() []envOverride {
	var out []envOverride
	root := reflect.TypeOf(convsync.Config{})
	for i := 0; i < root.NumField(); i++ {
		section := root.Field(i)
		for j := 0; j < section.Type.NumField(); j++ {
			f := section.Type.Field(j)
			env := f.Tag.Get("env")
			if env == "" {
				continue
			}
			if _, ok := os.LookupEnv(env); ok {
				out = append(out, envOverride{key: tagName(section) + "." + tagName(f), env: env})
			}
		}
	}
	return out
}

func tagName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
	return name
}

func maskToken(tok string) string {
	if len(tok) <= 4 {
		return strings.Repeat("*", len(tok))
	}
	return tok[:4] + strings.Repeat("*", len(tok)-4)
}
