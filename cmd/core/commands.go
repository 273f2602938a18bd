package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/cartsync/internal/config"
	"github.com/kimhsiao/cartsync/internal/core"
	"github.com/kimhsiao/cartsync/internal/logging"
	"github.com/kimhsiao/cartsync/internal/models"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	fs         afero.Fs
	configPath string
	format     string // "json" | "text"
	verbose    bool
}

func newRootCommand(fs afero.Fs) *cobra.Command {
	opts := &rootOptions{fs: fs}

	cmd := &cobra.Command{
		Use:   "cartsync",
		Short: "cartsync - offline-first shopping lists",
		Long: `cartsync keeps shopping lists in a local replica and syncs the change
log with a remote sync service when the network is available.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.format != "text" && opts.format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.format)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c",
		filepath.Join(config.DefaultDataDir(), "config.toml"), "config file")
	cmd.PersistentFlags().StringVar(&opts.format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log to stderr")

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newPendingCommand(opts))
	cmd.AddCommand(newListsCommand(opts))
	cmd.AddCommand(newNewListCommand(opts))
	cmd.AddCommand(newDeleteListCommand(opts))
	cmd.AddCommand(newAddItemCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	return cmd
}

// open loads the config and opens the replica. Logs go to stderr so they
// never mix with command output.
func (o *rootOptions) open(cmd *cobra.Command) (*core.Core, error) {
	cfg, err := config.Load(o.fs, o.configPath)
	if err != nil {
		return nil, err
	}
	level := logging.LevelError
	if o.verbose {
		level = logging.ParseLevel(cfg.Log.Level)
	}
	logging.SetOutput(cmd.ErrOrStderr(), level)

	return core.Open(cfg, core.WithFs(o.fs), core.WithoutLogging())
}

func (o *rootOptions) emit(w io.Writer, v interface{}, text func(io.Writer)) error {
	if o.format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cartsync v%s\n", Version)
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show replica and sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			status, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), status, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "backend:\t%s\n", status.Backend)
				fmt.Fprintf(tw, "online:\t%t\n", status.Online)
				fmt.Fprintf(tw, "state:\t%s\n", status.State)
				fmt.Fprintf(tw, "checkpoint:\t%s\n", status.Checkpoint.Format("2006-01-02T15:04:05.000Z07:00"))
				fmt.Fprintf(tw, "data version:\t%d\n", status.DataVersion)
				fmt.Fprintf(tw, "pending changes:\t%d\n", status.PendingChanges)
				tw.Flush()
			})
		},
	}
}

func newPendingCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List unsynced change records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			pending, err := c.PendingChanges(cmd.Context())
			if err != nil {
				return err
			}
			if pending == nil {
				pending = []*models.ChangeRecord{}
			}
			return opts.emit(cmd.OutOrStdout(), pending, func(w io.Writer) {
				if len(pending) == 0 {
					fmt.Fprintln(w, "No pending changes.")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tKIND\tENTITY\tENTITY ID\tTIMESTAMP")
				for _, rec := range pending {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.Kind, rec.EntityKind, rec.TargetID(),
						rec.Timestamp.Format("2006-01-02 15:04:05"))
				}
				tw.Flush()
			})
		},
	}
}

func newListsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lists",
		Short: "Show shopping lists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			lists, err := c.Lists(cmd.Context())
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), lists, func(w io.Writer) {
				if len(lists) == 0 {
					fmt.Fprintln(w, "No lists.")
					return
				}
				for _, l := range lists {
					fmt.Fprintf(w, "%s  %s (%d items, total %.2f)", l.ID, l.Name, len(l.Items), l.Total())
					if l.OverBudget() {
						fmt.Fprintf(w, " over budget %.2f", *l.TotalBudget)
					}
					fmt.Fprintln(w)
					for _, item := range l.Items {
						fmt.Fprintf(w, "    - %s x%g @ %.2f\n", item.Name, item.Quantity, item.Price)
					}
				}
			})
		},
	}
}

func newNewListCommand(opts *rootOptions) *cobra.Command {
	var budget float64
	cmd := &cobra.Command{
		Use:   "new-list <name>",
		Short: "Create a shopping list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			list := &models.ShoppingList{Name: strings.Join(args, " ")}
			if cmd.Flags().Changed("budget") {
				list.TotalBudget = &budget
			}
			if err := c.SaveList(cmd.Context(), list); err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), list, func(w io.Writer) {
				fmt.Fprintf(w, "Created list %s\n", list.ID)
			})
		},
	}
	cmd.Flags().Float64Var(&budget, "budget", 0, "total budget for the list")
	return cmd
}

func newDeleteListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-list <list-id>",
		Short: "Delete a shopping list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.DeleteList(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted list %s\n", args[0])
			return nil
		},
	}
}

func newAddItemCommand(opts *rootOptions) *cobra.Command {
	var (
		price    float64
		quantity float64
		category string
		barcode  string
	)
	cmd := &cobra.Command{
		Use:   "add-item <list-id> <name>",
		Short: "Add an item to a list",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			item := &models.ShoppingItem{
				Name:     strings.Join(args[1:], " "),
				Price:    price,
				Quantity: quantity,
				Category: category,
				Barcode:  barcode,
			}
			if err := c.AddItemToList(cmd.Context(), args[0], item); err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), item, func(w io.Writer) {
				fmt.Fprintf(w, "Added item %s\n", item.ID)
			})
		},
	}
	cmd.Flags().Float64Var(&price, "price", 0, "unit price")
	cmd.Flags().Float64VarP(&quantity, "quantity", "q", 1, "quantity")
	cmd.Flags().StringVar(&category, "category", "", "item category")
	cmd.Flags().StringVar(&barcode, "barcode", "", "item barcode")
	return cmd
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Sync with the remote service now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			outcome := c.SyncWithServer(cmd.Context())
			if err := opts.emit(cmd.OutOrStdout(), outcome, func(w io.Writer) {
				if !outcome.Success {
					return
				}
				fmt.Fprintf(w, "Synced %d changes (pushed %d, pulled %d, applied %d)\n",
					outcome.SyncedChangeCount, outcome.Pushed, outcome.Pulled, outcome.Applied)
				for _, id := range outcome.Rejected {
					fmt.Fprintf(w, "  rejected %s\n", id)
				}
				for _, c := range outcome.Conflicts {
					fmt.Fprintf(w, "  conflict on %s %s: %s\n", c.EntityKind, c.EntityID, c.Resolution)
				}
			}); err != nil {
				return err
			}
			if !outcome.Success {
				return fmt.Errorf("sync failed [%s]: %s", outcome.Code, outcome.Error)
			}
			return nil
		},
	}
}
