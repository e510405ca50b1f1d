package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"savesync/internal/agent"
	"savesync/internal/logging"
	"savesync/internal/monitor"
	"savesync/internal/settings"
	"savesync/internal/syncclient"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds what every subcommand needs once settings are loaded.
type app struct {
	settingsPath string
	settings     *settings.Settings
}

func (a *app) stateDir() string {
	return filepath.Dir(a.settingsPath)
}

func (a *app) client() (*syncclient.Client, error) {
	if err := a.settings.Validate(); err != nil {
		return nil, err
	}
	return syncclient.New(syncclient.Config{
		ServerURL:   a.settings.ServerURL,
		APIKey:      a.settings.APIKey,
		UserName:    a.settings.UserName,
		Timeout:     a.settings.RequestTimeout,
		PingTimeout: a.settings.PingTimeout,
		Retry:       syncclient.RetryConfig{MaxAttempts: a.settings.MaxUploadAttempts},
	})
}

func (a *app) agent(c agent.Uploader, events <-chan monitor.Event) *agent.Agent {
	return agent.New(agent.Config{
		SavePath: a.settings.SavePath(),
		SaveName: a.settings.SaveFileName,
		StateDir: a.stateDir(),
	}, c, events)
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var verbose bool

	root := &cobra.Command{
		Use:          "savesync",
		Short:        "Upload your game save when the game closes",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.settingsPath == "" {
				p, err := settings.DefaultPath()
				if err != nil {
					return err
				}
				a.settingsPath = p
			}
			s, err := settings.Load(a.settingsPath)
			if err != nil {
				return err
			}
			a.settings = s

			level := s.LogLevel
			if verbose {
				level = "debug"
			}
			logging.Init(logging.Config{Level: level, Format: "console"})
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.settingsPath, "settings", "", "settings file (default: user config dir)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newWatchCmd(a),
		newUploadCmd(a),
		newDownloadCmd(a),
		newPingCmd(a),
		newStatusCmd(a),
		newConfigCmd(a),
	)
	return root
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch for the game to exit and upload the save",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			mon := monitor.New(a.settings.ProcessName, monitor.SystemProcesses(), a.settings.PollInterval)
			ag := a.agent(c, mon.Events())
			ag.RecordBaseline()

			logging.Client.Info().
				Str("process", a.settings.ProcessName).
				Str("save", a.settings.SavePath()).
				Msg("watching")
			return agent.Run(ctx, mon, ag)
		},
	}
}

func newUploadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "upload [file]",
		Short: "Upload the save now (or the given file)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}

			var res syncclient.UploadResult
			if len(args) == 1 {
				res, err = c.UploadFile(cmd.Context(), args[0], "")
			} else {
				res, err = a.agent(c, nil).UploadNow(cmd.Context())
			}
			if err != nil {
				return fmt.Errorf("upload failed (%s): %w", res.Reason, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s (%s) at %s\n",
				res.SaveName, humanize.IBytes(uint64(res.Size)), res.Timestamp.Local().Format("2006-01-02 15:04:05"))
			return nil
		},
	}
}

func newDownloadCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Replace the local save with the latest uploaded one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			if out == "" {
				out = a.settings.SavePath()
			}
			info, err := c.DownloadTo(cmd.Context(), a.settings.SaveFileName, out)
			if errors.Is(err, syncclient.ErrNotFound) {
				return fmt.Errorf("no %s uploaded yet", a.settings.SaveFileName)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Downloaded %s (%s, uploaded %s) to %s\n",
				info.SaveName, humanize.IBytes(uint64(info.Size)), humanize.Time(info.Timestamp), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to this path instead of the game's save")
	return cmd
}

func newPingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check the server is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			st, err := c.Ping(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server %s (version %s, up %s)\n", st.Status, st.Version, st.Uptime)
			if st.UserID != "" && st.SavesCount != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s with %d stored uploads\n", st.UserID, *st.SavesCount)
			}
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local settings, stored saves and the last upload failure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Settings:  %s\n", a.settingsPath)
			fmt.Fprintf(w, "Save file: %s\n", a.settings.SavePath())
			fmt.Fprintf(w, "Process:   %s\n", a.settings.ProcessName)

			if f, err := agent.ReadFailure(a.stateDir()); err != nil {
				return err
			} else if f != nil {
				fmt.Fprintf(w, "\nWARNING: automatic upload of %s failed %s (%s): %s\n",
					f.Save, humanize.Time(f.Time), f.Reason, f.Message)
			}

			c, err := a.client()
			if err != nil {
				return err
			}
			list, err := c.ListSaves(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(w)
			if len(list) == 0 {
				fmt.Fprintln(w, "No saves on the server yet.")
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SAVE\tSIZE\tUPLOADED\tVERSIONS")
			for _, s := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", s.SaveName, humanize.IBytes(uint64(s.Size)), humanize.Time(s.StoredAt), s.Versions)
			}
			return tw.Flush()
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Show or change settings",
	}
	cfg.AddCommand(
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Change a setting",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := settings.Set(a.settingsPath, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s updated in %s\n", args[0], a.settingsPath)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective settings",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s := a.settings
				key := "(not set)"
				if len(s.APIKey) > 4 {
					key = s.APIKey[:4] + "…"
				} else if s.APIKey != "" {
					key = "set"
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "user_name\t%s\n", s.UserName)
				fmt.Fprintf(tw, "api_key\t%s\n", key)
				fmt.Fprintf(tw, "server_url\t%s\n", s.ServerURL)
				fmt.Fprintf(tw, "save_dir\t%s\n", s.SaveDir)
				fmt.Fprintf(tw, "save_file_name\t%s\n", s.SaveFileName)
				fmt.Fprintf(tw, "process_name\t%s\n", s.ProcessName)
				fmt.Fprintf(tw, "poll_interval\t%s\n", s.PollInterval)
				fmt.Fprintf(tw, "request_timeout\t%s\n", s.RequestTimeout)
				fmt.Fprintf(tw, "ping_timeout\t%s\n", s.PingTimeout)
				fmt.Fprintf(tw, "max_upload_attempts\t%d\n", s.MaxUploadAttempts)
				fmt.Fprintf(tw, "log_level\t%s\n", s.LogLevel)
				return tw.Flush()
			},
		},
	)
	return cfg
}

