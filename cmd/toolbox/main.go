package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"strings"
	"text/tabwriter"

	"gerrit-slack-notifier/internal/config"
	"gerrit-slack-notifier/internal/handlers"
	"gerrit-slack-notifier/internal/log"
	"gerrit-slack-notifier/internal/models"
	"gerrit-slack-notifier/internal/services"
	"gerrit-slack-notifier/internal/utils"

	"github.com/joho/godotenv"
	"github.com/slack-go/slack"
)

const (
	minArgsRequired   = 2
	filePermReadWrite = 0600
)

var (
	ErrOperationCancelled = errors.New("operation cancelled by user")
	ErrMissingFlag        = errors.New("missing required flag")
)

func main() {
	if len(os.Args) < minArgsRequired {
		printUsage()
		os.Exit(1)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to read .env file: %v\n", err)
	}

	var err error
	command, args := os.Args[1], os.Args[2:]
	switch command {
	case "list-schedules":
		err = withStore(func(ctx context.Context, _ *config.Config, store services.Store) error {
			return listSchedules(ctx, store, os.Stdout)
		})
	case "add-schedule":
		err = handleAddSchedule(args)
	case "delete-schedule":
		err = handleDeleteSchedule(args)
	case "parse-link":
		err = handleParseLink(args)
	case "random-message":
		err = withStore(func(ctx context.Context, _ *config.Config, store services.Store) error {
			return randomMessage(ctx, store, os.Stdout)
		})
	case "dump-ledger":
		err = handleDumpLedger(args)
	case "wipe-ledger":
		err = handleWipeLedger(args)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		if errors.Is(err, ErrOperationCancelled) {
			fmt.Println("Operation cancelled")
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Toolbox - Utility commands for gerrit-slack-notifier")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  toolbox <command> [flags]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  list-schedules     List all schedules")
	fmt.Println("  add-schedule       Create a schedule")
	fmt.Println("  delete-schedule    Delete a schedule; its ledger rows are kept without an owner")
	fmt.Println("  parse-link         Print the Gerrit query derived from a pasted link")
	fmt.Println("  random-message     Print a random previously posted summary")
	fmt.Println("  dump-ledger        Export schedules, sent messages and review requests as JSON")
	fmt.Println("  wipe-ledger        Delete all sent message and review request records")
	fmt.Println("  help               Show this help message")
	fmt.Println("")
	fmt.Println("Flags for add-schedule:")
	fmt.Println("  --channel NAME     Slack channel name, resolved to its id")
	fmt.Println("  --channel-id ID    Slack channel id")
	fmt.Println("  --query QUERY      Gerrit search query (empty: only queued review requests)")
	fmt.Println("  --cron EXPR        Five-field cron expression or descriptor such as @daily")
	fmt.Println("")
	fmt.Println("Flags for delete-schedule:")
	fmt.Println("  --id ID            Schedule id")
	fmt.Println("")
	fmt.Println("Flags for parse-link:")
	fmt.Println("  --url URL          Link to a change or a search")
	fmt.Println("")
	fmt.Println("Flags for dump-ledger:")
	fmt.Println("  --output FILE      Write output to file instead of stdout")
	fmt.Println("  --pretty           Pretty-print JSON output")
	fmt.Println("")
	fmt.Println("Flags for wipe-ledger:")
	fmt.Println("  --force            Skip confirmation prompt (DANGEROUS!)")
	fmt.Println("")
	fmt.Println("Running 'kill -HUP' on the notifier (or POST /control/reload) picks up schedule changes.")
}

// withStore loads configuration, sets up logging on stderr and opens the configured store.
func withStore(fn func(ctx context.Context, cfg *config.Config, store services.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log.Setup(os.Stderr, cfg.LogLevel, cfg.GinMode == "release")

	ctx := context.Background()
	store, err := services.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error(context.Background(), "Error closing store", "error", err)
		}
	}()

	return fn(ctx, cfg, store)
}

func listSchedules(ctx context.Context, store services.Store, w io.Writer) error {
	schedules, err := store.ListSchedules(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCHANNEL\tCRON\tQUERY")
	for _, s := range schedules {
		channel := s.ChannelID
		if s.ChannelName != "" {
			channel = fmt.Sprintf("#%s (%s)", s.ChannelName, s.ChannelID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, channel, s.Crontab, s.GerritQuery)
	}
	return tw.Flush()
}

func handleAddSchedule(args []string) error {
	var req services.ScheduleRequest

	flags := flag.NewFlagSet("add-schedule", flag.ExitOnError)
	flags.StringVar(&req.ChannelName, "channel", "", "Slack channel name")
	flags.StringVar(&req.ChannelID, "channel-id", "", "Slack channel id")
	flags.StringVar(&req.GerritQuery, "query", "", "Gerrit search query")
	flags.StringVar(&req.Crontab, "cron", "", "Cron expression")
	_ = flags.Parse(args)

	return withStore(func(ctx context.Context, cfg *config.Config, store services.Store) error {
		slackService := services.NewSlackService(slack.New(cfg.ChatAPIToken), cfg.SlackRateLimit)
		schedule, err := addSchedule(ctx, store, services.NewValidationService(slackService, cfg.DefaultChannel), req)
		if err != nil {
			return err
		}
		fmt.Printf("Created schedule %s for channel %s\n", schedule.ID, schedule.ChannelID)
		return nil
	})
}

func addSchedule(
	ctx context.Context, store services.Store, validator *services.ValidationService, req services.ScheduleRequest,
) (*models.Schedule, error) {
	schedule, err := validator.BuildSchedule(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := store.CreateSchedule(ctx, schedule); err != nil {
		return nil, err
	}
	return schedule, nil
}

func handleDeleteSchedule(args []string) error {
	var id string

	flags := flag.NewFlagSet("delete-schedule", flag.ExitOnError)
	flags.StringVar(&id, "id", "", "Schedule id")
	_ = flags.Parse(args)

	if id == "" {
		return fmt.Errorf("%w: --id", ErrMissingFlag)
	}

	return withStore(func(ctx context.Context, _ *config.Config, store services.Store) error {
		if err := store.DeleteSchedule(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Deleted schedule %s\n", id)
		return nil
	})
}

func handleParseLink(args []string) error {
	var link string

	flags := flag.NewFlagSet("parse-link", flag.ExitOnError)
	flags.StringVar(&link, "url", "", "Link to a change or a search")
	_ = flags.Parse(args)

	if link == "" {
		return fmt.Errorf("%w: --url", ErrMissingFlag)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	query, err := utils.ParseReviewLink(cfg.ReviewServerURL, link)
	if err != nil {
		return err
	}
	fmt.Println(query)
	return nil
}

func randomMessage(ctx context.Context, store services.Store, w io.Writer) error {
	messages, err := store.ListAllSentMessages(ctx)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		fmt.Fprintln(w, "No messages recorded yet")
		return nil
	}

	msg := messages[rand.Intn(len(messages))]
	var recorded handlers.RecordedMessage
	if err := json.Unmarshal([]byte(msg.Message), &recorded); err != nil {
		return fmt.Errorf("failed to decode message %s: %w", msg.ID, err)
	}

	fmt.Fprintf(w, "%s in %s at %s\n", msg.Kind, msg.ChannelID, msg.CreatedAt.Format("2006-01-02 15:04"))
	fmt.Fprintln(w, recorded.Text)
	for _, a := range recorded.Attachments {
		fmt.Fprintf(w, "  %s %s\n", a.AuthorName, a.AuthorLink)
	}
	return nil
}

// ledgerDump is the dump-ledger output.
type ledgerDump struct {
	Schedules      []*models.Schedule      `json:"schedules"`
	SentMessages   []*models.SentMessage   `json:"sent_messages"`
	ReviewRequests []*models.ReviewRequest `json:"review_requests"`
}

func dumpLedger(ctx context.Context, store services.Store) (*ledgerDump, error) {
	schedules, err := store.ListSchedules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to dump schedules: %w", err)
	}
	messages, err := store.ListAllSentMessages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to dump sent messages: %w", err)
	}
	requests, err := store.ListAllReviewRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to dump review requests: %w", err)
	}
	return &ledgerDump{Schedules: schedules, SentMessages: messages, ReviewRequests: requests}, nil
}

func handleDumpLedger(args []string) error {
	var outputFile string
	var prettyPrint bool

	flags := flag.NewFlagSet("dump-ledger", flag.ExitOnError)
	flags.StringVar(&outputFile, "output", "", "Write output to file instead of stdout")
	flags.BoolVar(&prettyPrint, "pretty", false, "Pretty-print JSON output")
	_ = flags.Parse(args)

	return withStore(func(ctx context.Context, _ *config.Config, store services.Store) error {
		dump, err := dumpLedger(ctx, store)
		if err != nil {
			return err
		}

		var jsonData []byte
		if prettyPrint {
			jsonData, err = json.MarshalIndent(dump, "", "  ")
		} else {
			jsonData, err = json.Marshal(dump)
		}
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}

		if outputFile == "" {
			fmt.Println(string(jsonData))
			return nil
		}
		if err := os.WriteFile(outputFile, jsonData, filePermReadWrite); err != nil {
			return fmt.Errorf("failed to write %s: %w", outputFile, err)
		}
		log.Info(ctx, "Successfully exported ledger", "file", outputFile, "size_bytes", len(jsonData))
		return nil
	})
}

func handleWipeLedger(args []string) error {
	var force bool

	flags := flag.NewFlagSet("wipe-ledger", flag.ExitOnError)
	flags.BoolVar(&force, "force", false, "Skip confirmation prompt (DANGEROUS!)")
	_ = flags.Parse(args)

	return withStore(func(ctx context.Context, cfg *config.Config, store services.Store) error {
		if !force {
			if err := confirmWipe(cfg, os.Stdin, os.Stdout); err != nil {
				return err
			}
		}
		messages, requests, err := wipeLedger(ctx, store)
		if err != nil {
			return err
		}
		log.Info(ctx, "Successfully wiped ledger", "sent_messages", messages, "review_requests", requests)
		return nil
	})
}

func confirmWipe(cfg *config.Config, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "\nWARNING: This will DELETE all sent message and review request records!\n")
	fmt.Fprintf(out, "   Store: %s\n", cfg.StoreBackend)
	fmt.Fprintf(out, "Messages already posted to Slack will no longer be cleaned up.\n\n")
	fmt.Fprint(out, "Are you absolutely sure you want to continue? (type 'DELETE' to confirm): ")

	response, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read user input: %w", err)
	}
	if strings.TrimSpace(response) != "DELETE" {
		return ErrOperationCancelled
	}
	return nil
}

// wipeLedger deletes every SentMessage and ReviewRequest. Schedules are kept.
func wipeLedger(ctx context.Context, store services.Store) (int, int, error) {
	messages, err := store.ListAllSentMessages(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, m := range messages {
		if err := store.DeleteSentMessage(ctx, m.ID); err != nil && !errors.Is(err, services.ErrSentMessageNotFound) {
			return 0, 0, err
		}
	}

	requests, err := store.ListAllReviewRequests(ctx)
	if err != nil {
		return len(messages), 0, err
	}
	for _, r := range requests {
		if err := store.DeleteReviewRequest(ctx, r.ID); err != nil && !errors.Is(err, services.ErrReviewRequestNotFound) {
			return len(messages), 0, err
		}
	}
	return len(messages), len(requests), nil
}
