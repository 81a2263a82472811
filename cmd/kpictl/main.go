package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/kelseyhightower/envconfig"

	"github.com/lodgeboard/kpi-engine/cmd/kpictl/cli"
	"github.com/lodgeboard/kpi-engine/internal/period"
	"github.com/lodgeboard/kpi-engine/jobs"
)

// env is the subset of the service configuration kpictl reads.
type env struct {
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	JWTSecret     string `envconfig:"JWT_SECRET"`
	JWTIssuer     string `envconfig:"JWT_ISSUER"`
}

const usage = `usage: kpictl <command> [flags]

commands:
  refresh    enqueue a KPI refresh
  queue      show default queue counters
  scheduled  list scheduled tasks
  resolve    print the range a period expands to
  token      issue an access token for local testing
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	var cfg env
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "kpictl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "refresh", "queue", "scheduled":
		os.Exit(runJobs(ctx, cfg, cmd, args))
	case "resolve":
		os.Exit(runResolve(args))
	case "token":
		os.Exit(runToken(cfg, args))
	default:
		fmt.Fprintf(os.Stderr, "kpictl: unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}

func runJobs(ctx context.Context, cfg env, cmd string, args []string) int {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	companies := fs.String("company", "", "comma separated company ids, empty for all")
	periods := fs.String("periods", "", "comma separated period tags, empty for all")
	size := fs.Int("size", 10, "page size for scheduled")
	_ = fs.Parse(args)

	jc, err := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		fmt.Fprintf(os.Stderr, "kpictl: %v\n", err)
		return 1
	}
	defer jc.Close()

	var out any
	switch cmd {
	case "refresh":
		payload, perr := refreshPayload(*companies, *periods)
		if perr != nil {
			fmt.Fprintf(os.Stderr, "kpictl refresh: %v\n", perr)
			return 1
		}
		info, terr := jc.Trigger(ctx, payload)
		if terr != nil {
			fmt.Fprintf(os.Stderr, "kpictl refresh: %v\n", terr)
			return 1
		}
		out = map[string]string{"taskId": info.ID, "queue": info.Queue, "state": info.State.String()}
	case "queue":
		out, err = jc.InspectQueue(ctx)
	case "scheduled":
		var tasks []*asynq.TaskInfo
		tasks, err = jc.ListScheduled(ctx, *size)
		rows := make([]map[string]string, 0, len(tasks))
		for _, t := range tasks {
			rows = append(rows, map[string]string{
				"taskId":      t.ID,
				"type":        t.Type,
				"nextProcess": t.NextProcessAt.Format(time.RFC3339),
			})
		}
		out = rows
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "kpictl %s: %v\n", cmd, err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "kpictl %s: %v\n", cmd, err)
		return 1
	}
	return 0
}

func refreshPayload(companies, periods string) (jobs.KPIRefreshPayload, error) {
	var payload jobs.KPIRefreshPayload
	for _, raw := range splitList(companies) {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return payload, fmt.Errorf("invalid company id %q", raw)
		}
		payload.CompanyIDs = append(payload.CompanyIDs, id)
	}
	for _, raw := range splitList(periods) {
		tag, err := period.ParseTag(raw)
		if err != nil {
			return payload, err
		}
		payload.Periods = append(payload.Periods, tag)
	}
	return payload, payload.Validate()
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func runResolve(args []string) int {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	opts := cli.ResolveOptions{}
	fs.StringVar(&opts.Period, "period", "", "period tag such as LAST_7_D")
	fs.StringVar(&opts.Start, "start", "", "start date DD/MM/YYYY")
	fs.StringVar(&opts.End, "end", "", "end date DD/MM/YYYY")
	fs.IntVar(&opts.StartHour, "hour", 0, "business day start hour")
	fs.StringVar(&opts.Timezone, "tz", "", "IANA timezone of the business day")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print JSON")
	_ = fs.Parse(args)
	return cli.ResolveCommand(opts)
}

func runToken(cfg env, args []string) int {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	opts := cli.TokenOptions{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}
	fs.Int64Var(&opts.CompanyID, "company", 0, "company id carried by the token")
	fs.StringVar(&opts.Role, "role", "viewer", "admin, manager or viewer")
	fs.StringVar(&opts.Subject, "sub", "", "token subject, defaults to the company id")
	fs.DurationVar(&opts.TTL, "ttl", time.Hour, "token lifetime")
	_ = fs.Parse(args)
	return cli.TokenCommand(opts)
}
