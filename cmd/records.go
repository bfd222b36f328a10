package cmd

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/simreg/regq/internal/presentation"
	"github.com/simreg/regq/internal/queue"
	"github.com/simreg/regq/internal/registrations/domain"
)

var phoneArg = regexp.MustCompile(`^0\d{9}$`)

var (
	addPhone, addPuk, addName, addCne string

	listStatus string
	listJSON   bool
	showJSON   bool
	statsJSON  bool

	retryAllFailed bool
	clearYes       bool
	reclaimOlder   time.Duration
)

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Enqueue one registration",
	Example: `  regq add --phone 0612345678 --puk 1234 --name "Amina Benali" --cne AB123456`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *application) error {
			rec, err := a.svc.Enqueue(cmd.Context(), addPhone, addPuk, addName, addCne)
			if err != nil {
				return err
			}
			return presentation.NewFormatter(cmd.OutOrStdout()).FormatRecord(presentation.FromDomainRecord(rec))
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List records",
	Long: `List records, most recently changed first, or those in one status
(oldest id first) with --status.`,
	Example: `  regq list
  regq list --status FAILED
  regq list --json | jq '.[].phone_number'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *application) error {
			var (
				records []*domain.Record
				err     error
			)
			if listStatus != "" {
				status := domain.Status(strings.ToUpper(listStatus))
				if !status.IsValid() {
					return fmt.Errorf("unknown status %q", listStatus)
				}
				records, err = a.svc.ListByStatus(cmd.Context(), status)
			} else {
				records, err = a.svc.List(cmd.Context())
			}
			if err != nil {
				return err
			}
			f := presentation.NewFormatter(cmd.OutOrStdout())
			if listJSON {
				return f.FormatJSON(presentation.FromDomainRecords(records))
			}
			return f.FormatRecords(presentation.FromDomainRecords(records))
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id|phone>",
	Short: "Show one record",
	Long:  `Show a record by id, or the most recent record for a phone number.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *application) error {
			var (
				rec *domain.Record
				err error
			)
			if phoneArg.MatchString(args[0]) {
				rec, err = a.svc.GetByPhone(cmd.Context(), args[0])
			} else {
				var id int64
				if id, err = parseID(args[0]); err != nil {
					return err
				}
				rec, err = a.svc.Get(cmd.Context(), id)
			}
			if err != nil {
				return err
			}
			f := presentation.NewFormatter(cmd.OutOrStdout())
			if showJSON {
				return f.FormatJSON(presentation.FromDomainRecord(rec))
			}
			return f.FormatRecord(presentation.FromDomainRecord(rec))
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show record counts by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *application) error {
			stats, err := a.svc.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printStats(cmd.OutOrStdout(), stats, statsJSON)
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [id]",
	Short: "Requeue a FAILED or CANCELLED record",
	Long: `Move a FAILED or CANCELLED record back to PENDING. Steps it already
completed are kept, so processing resumes at the first missing step.`,
	Example: `  regq retry 42
  regq retry --all-failed`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if retryAllFailed == (len(args) == 1) {
			return errors.New("give a record id or --all-failed")
		}
		return withApp(cmd, func(a *application) error {
			out := cmd.OutOrStdout()
			if retryAllFailed {
				n, err := a.svc.RetryAllFailed(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(out, "Requeued %d records\n", n)
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			rec, err := a.svc.Retry(cmd.Context(), id)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "Record %d requeued (missing: %s)\n", rec.ID(), missingSteps(rec))
			return err
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a PENDING or IN_PROGRESS record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(a *application) error {
			if _, err := a.svc.Cancel(cmd.Context(), id); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Record %d cancelled\n", id)
			return err
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(a *application) error {
			if err := a.svc.Delete(cmd.Context(), id); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Record %d deleted\n", id)
			return err
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every record",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !clearYes {
			return errors.New("refusing to delete every record without --yes")
		}
		return withApp(cmd, func(a *application) error {
			if err := a.svc.Clear(cmd.Context()); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "All records deleted")
			return err
		})
	},
}

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Return stale IN_PROGRESS records to PENDING",
	Long: `Return records that have been IN_PROGRESS longer than --older-than to
PENDING, keeping their completed steps. Use after a crash if 'regq run' is
not running to sweep them itself.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *application) error {
			olderThan := reclaimOlder
			if olderThan <= 0 {
				olderThan = a.cfg.Queue.StaleAfter
			}
			r := queue.NewReclaimer(a.svc.Repository(), olderThan, 0, a.queueOptions()...)
			n, err := r.ReclaimStale(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Reclaimed %d records\n", n)
			return err
		})
	},
}

func init() {
	addCmd.Flags().StringVar(&addPhone, "phone", "", "phone number (06/07 followed by 8 digits)")
	addCmd.Flags().StringVar(&addPuk, "puk", "", "last four digits of the PUK")
	addCmd.Flags().StringVar(&addName, "name", "", "subscriber full name")
	addCmd.Flags().StringVar(&addCne, "cne", "", "national identity number")
	for _, name := range []string{"phone", "puk", "name", "cne"} {
		_ = addCmd.MarkFlagRequired(name)
	}

	listCmd.Flags().StringVarP(&listStatus, "status", "s", "", "only records in this status")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "output JSON")
	showCmd.Flags().BoolVar(&showJSON, "json", false, "output JSON")
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "output JSON")
	retryCmd.Flags().BoolVar(&retryAllFailed, "all-failed", false, "requeue every FAILED record")
	clearCmd.Flags().BoolVar(&clearYes, "yes", false, "confirm deleting every record")
	reclaimCmd.Flags().DurationVar(&reclaimOlder, "older-than", 0, "staleness threshold (default: queue.stale_after)")

	rootCmd.AddCommand(addCmd, listCmd, showCmd, statsCmd, retryCmd, cancelCmd, deleteCmd, clearCmd, reclaimCmd)
}

// withApp opens the application for one command and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(*application) error) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid record id %q", arg)
	}
	return id, nil
}

func missingSteps(rec *domain.Record) string {
	missing := rec.Steps().Missing()
	if len(missing) == 0 {
		return "none"
	}
	names := make([]string, len(missing))
	for i, s := range missing {
		names[i] = s.String()
	}
	return strings.Join(names, ", ")
}

func printStats(w io.Writer, stats queue.Stats, asJSON bool) error {
	f := presentation.NewFormatter(w)
	if asJSON {
		return f.FormatJSON(presentation.FromStats(stats))
	}
	return f.FormatStats(presentation.FromStats(stats))
}
