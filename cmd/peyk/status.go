package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"

	"github.com/4xmen/peyk/pkg/config"
)

type appStatus struct {
	GeneratedAt       time.Time
	Environment       string
	Port              string
	DatabasePath      string
	Users             int64
	OnlineUsers       int64
	Conversations     int64
	Messages          int64
	DeletedMessages   int64
	MessagesLast24h   int64
	LatestMessageAt   time.Time
	PushSubscriptions int64
	DBSize            int64
	DBWALSize         int64
	DBSHMSize         int64
	DBMetricsReady    bool
	DBWarning         string
	StorageWarnings   []string
}

type statusOptions struct {
	JSON bool
}

func parseStatusArgs(args []string) (statusOptions, error) {
	opts := statusOptions{}
	flags := pflag.NewFlagSet("status", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.BoolVarP(&opts.JSON, "json", "j", false, "print status as JSON")
	if err := flags.Parse(args); err != nil {
		return opts, fmt.Errorf("status: %w", err)
	}
	if flags.NArg() > 0 {
		return opts, fmt.Errorf("status: unexpected argument %q", flags.Arg(0))
	}
	return opts, nil
}

func runStatus(cfg *config.Config, out io.Writer, args []string) error {
	opts, err := parseStatusArgs(args)
	if err != nil {
		return err
	}

	status := collectStatus(cfg, time.Now())
	if opts.JSON {
		return printStatusJSON(out, status)
	}
	printStatus(out, status)
	return nil
}

func collectStatus(cfg *config.Config, now time.Time) appStatus {
	status := appStatus{
		GeneratedAt:  now,
		Environment:  cfg.Environment,
		Port:         cfg.Port,
		DatabasePath: cfg.DatabasePath,
	}

	if size, err := fileSize(cfg.DatabasePath); err == nil {
		status.DBSize = size
	} else {
		status.StorageWarnings = append(status.StorageWarnings, fmt.Sprintf("database file: %v", err))
	}

	if size, err := fileSize(cfg.DatabasePath + "-wal"); err == nil {
		status.DBWALSize = size
	}

	if size, err := fileSize(cfg.DatabasePath + "-shm"); err == nil {
		status.DBSHMSize = size
	}

	if _, err := os.Stat(cfg.DatabasePath); err != nil {
		status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
		return status
	}

	dbConn, err := sql.Open("sqlite3", cfg.DatabasePath)
	if err != nil {
		status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
		return status
	}
	defer dbConn.Close()

	if err := dbConn.Ping(); err != nil {
		status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
		return status
	}

	counters := []struct {
		dst   *int64
		query string
		args  []any
	}{
		{&status.Users, "SELECT COUNT(*) FROM users", nil},
		{&status.OnlineUsers, "SELECT COUNT(*) FROM users WHERE online = 1", nil},
		{&status.Conversations, "SELECT COUNT(DISTINCT conversation_id) FROM messages", nil},
		{&status.Messages, "SELECT COUNT(*) FROM messages", nil},
		{&status.DeletedMessages, "SELECT COUNT(*) FROM messages WHERE deleted = 1", nil},
		{&status.MessagesLast24h, "SELECT COUNT(*) FROM messages WHERE server_ts >= ?", []any{now.Add(-24 * time.Hour).UnixNano()}},
		{&status.PushSubscriptions, "SELECT COUNT(*) FROM push_subscriptions WHERE revoked_at IS NULL", nil},
	}
	for _, c := range counters {
		if *c.dst, err = queryInt64(dbConn, c.query, c.args...); err != nil {
			status.DBWarning = fmt.Sprintf("could not read database stats: %v", err)
			return status
		}
	}

	latest, err := queryInt64(dbConn, "SELECT COALESCE(MAX(server_ts), 0) FROM messages")
	if err != nil {
		status.DBWarning = fmt.Sprintf("could not read database stats: %v", err)
		return status
	}
	if latest > 0 {
		status.LatestMessageAt = time.Unix(0, latest).UTC()
	}

	status.DBMetricsReady = true
	return status
}

func queryInt64(db *sql.DB, query string, args ...any) (int64, error) {
	var value int64
	if err := db.QueryRow(query, args...).Scan(&value); err != nil {
		return 0, err
	}
	return value, nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return info.Size(), nil
}

func formatBytes(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}

func formatTimestamp(value time.Time, now time.Time) string {
	if value.IsZero() {
		return "n/a"
	}
	return fmt.Sprintf("%s (%s)", value.Format(time.RFC3339), humanize.RelTime(value, now, "ago", "from now"))
}

func printStatus(out io.Writer, status appStatus) {
	totalDB := status.DBSize + status.DBWALSize + status.DBSHMSize

	fmt.Fprintln(out, "Peyk Status")
	fmt.Fprintf(out, "Generated at: %s\n", status.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Environment : %s\n", status.Environment)
	fmt.Fprintf(out, "Port        : %s\n", status.Port)
	fmt.Fprintf(out, "Database    : %s\n", status.DatabasePath)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Data")
	if status.DBMetricsReady {
		fmt.Fprintf(out, "  Users              : %s\n", humanize.Comma(status.Users))
		fmt.Fprintf(out, "  Online users       : %s\n", humanize.Comma(status.OnlineUsers))
		fmt.Fprintf(out, "  Conversations      : %s\n", humanize.Comma(status.Conversations))
		fmt.Fprintf(out, "  Messages           : %s\n", humanize.Comma(status.Messages))
		fmt.Fprintf(out, "  Deleted messages   : %s\n", humanize.Comma(status.DeletedMessages))
		fmt.Fprintf(out, "  Messages last 24h  : %s\n", humanize.Comma(status.MessagesLast24h))
		fmt.Fprintf(out, "  Latest message at  : %s\n", formatTimestamp(status.LatestMessageAt, status.GeneratedAt))
		fmt.Fprintf(out, "  Push subscriptions : %s\n", humanize.Comma(status.PushSubscriptions))
	} else {
		fmt.Fprintln(out, "  Database metrics   : n/a")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Storage")
	fmt.Fprintf(out, "  DB file      : %s\n", formatBytes(status.DBSize))
	fmt.Fprintf(out, "  DB WAL file  : %s\n", formatBytes(status.DBWALSize))
	fmt.Fprintf(out, "  DB SHM file  : %s\n", formatBytes(status.DBSHMSize))
	fmt.Fprintf(out, "  DB footprint : %s\n", formatBytes(totalDB))

	if status.DBWarning != "" {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Warning: %s\n", status.DBWarning)
	}

	if len(status.StorageWarnings) > 0 {
		fmt.Fprintln(out)
		for _, warning := range status.StorageWarnings {
			fmt.Fprintf(out, "Warning: %s\n", warning)
		}
	}
}

func printStatusJSON(out io.Writer, status appStatus) error {
	latest := ""
	if !status.LatestMessageAt.IsZero() {
		latest = status.LatestMessageAt.Format(time.RFC3339)
	}
	totalDB := status.DBSize + status.DBWALSize + status.DBSHMSize

	payload := map[string]any{
		"generated_at":  status.GeneratedAt.Format(time.RFC3339),
		"environment":   status.Environment,
		"port":          status.Port,
		"database_path": status.DatabasePath,
		"metrics_ready": status.DBMetricsReady,
		"metrics": map[string]any{
			"users":              status.Users,
			"online_users":       status.OnlineUsers,
			"conversations":      status.Conversations,
			"messages":           status.Messages,
			"deleted_messages":   status.DeletedMessages,
			"messages_last_24h":  status.MessagesLast24h,
			"latest_message_at":  latest,
			"push_subscriptions": status.PushSubscriptions,
		},
		"storage": map[string]any{
			"db_file_bytes":      status.DBSize,
			"db_wal_bytes":       status.DBWALSize,
			"db_shm_bytes":       status.DBSHMSize,
			"db_footprint_bytes": totalDB,
			"db_file_hum":        formatBytes(status.DBSize),
			"db_wal_hum":         formatBytes(status.DBWALSize),
			"db_shm_hum":         formatBytes(status.DBSHMSize),
			"db_footprint_hum":   formatBytes(totalDB),
		},
		"warnings": map[string]any{
			"database": status.DBWarning,
			"storage":  status.StorageWarnings,
		},
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}
