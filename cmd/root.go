/*
Package cmd implements the ctxsync command line: the service itself, a
command-line agent and a few inspection tools.
*/
package cmd

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theapemachine/ctxsync/pkg/logging"
)

/*
Embed a mini filesystem into the binary to hold the default config file.
This will be written to the home directory of the user running the service,
which allows an operator to easily override the config file.
*/
//go:embed cfg/*
var embedded embed.FS

var (
	projectName = "ctxsync"
	cfgFile     string
	logLevel    string

	rootCmd = &cobra.Command{
		Use:   "ctxsync",
		Short: "Shared project context for cooperating agents",
		Long:  longRoot,
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&cfgFile,
		"config",
		"config.yml",
		"config file (default is $HOME/."+projectName+"/config.yml)",
	)

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")
}

/*
initConfig writes the default config file to the user's home directory if it
doesn't exist, reads it, and lets CTXSYNC_ environment variables override
any key (server.port becomes CTXSYNC_SERVER_PORT).
*/
func initConfig() {
	if err := writeConfig(); err != nil {
		log.Fatal("failed to write default config", "error", err)
	}

	viper.SetConfigName(strings.TrimSuffix(cfgFile, ".yml"))
	viper.SetConfigType("yml")

	home, _ := os.UserHomeDir()
	viper.AddConfigPath(home + "/." + projectName)

	viper.SetEnvPrefix("CTXSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		log.Fatal("failed to read config", "error", err)
	}

	if logLevel != "" {
		viper.Set("log.level", logLevel)
	}

	if err := logging.Init(NewLoggingConfig()); err != nil {
		log.Fatal("failed to initialize logging", "error", err)
	}
}

/*
writeConfig writes the embedded default config to the user's home directory
unless a file by that name is already there.
*/
func writeConfig() (err error) {
	var (
		home, _ = os.UserHomeDir()
		fh      fs.File
		buf     bytes.Buffer
	)

	configDir := home + "/." + projectName

	if !CheckFileExists(configDir) {
		if err = os.MkdirAll(configDir, os.ModePerm); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	fullPath := configDir + "/" + cfgFile

	if CheckFileExists(fullPath) {
		return nil
	}

	if fh, err = embedded.Open("cfg/config.yml"); err != nil {
		return fmt.Errorf("failed to open embedded config file: %w", err)
	}

	defer fh.Close()

	if _, err = io.Copy(&buf, fh); err != nil {
		return fmt.Errorf("failed to read embedded config file: %w", err)
	}

	if err = os.WriteFile(fullPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info("wrote config file", "path", fullPath)

	return nil
}

func CheckFileExists(filePath string) bool {
	_, err := os.Stat(filePath)
	return !errors.Is(err, os.ErrNotExist)
}

var longRoot = `
ctxsync keeps one shared context per project and synchronizes it between
agents. Agents send diffs instead of full payloads, receive each other's
changes over a push stream, and can ask for a view of the context filtered
to their specialization.
`
