package main

import (
	"chat-relay/observability"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gookit/color"
	"github.com/kelseyhightower/envconfig"
	"github.com/olekukonko/tablewriter"
)

type Config struct {
	// RELAY_DEBUG_ADDR is the base URL of the relay debug server
	DebugAddr string        `envconfig:"RELAY_DEBUG_ADDR" default:"http://localhost:8081"`
	Timeout   time.Duration `envconfig:"INSPECT_TIMEOUT" default:"5s"`
	// INSPECT_COLOURS enables colorized output for better readability
	Colours bool `envconfig:"INSPECT_COLOURS" default:"true"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Inspect error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()

	stats, err := fetchStats(ctx, http.DefaultClient, config.DebugAddr)
	if err != nil {
		return err
	}
	render(os.Stdout, config.DebugAddr, stats, config.Colours)
	return nil
}

func fetchStats(ctx context.Context, client *http.Client, baseURL string) (observability.Stats, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/stats", nil)
	if err != nil {
		return observability.Stats{}, err
	}
	resp, err := client.Do(request)
	if err != nil {
		return observability.Stats{}, fmt.Errorf("relay unreachable at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return observability.Stats{}, fmt.Errorf("unexpected status from %s: %s", baseURL, resp.Status)
	}
	var stats observability.Stats
	if err = json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return observability.Stats{}, fmt.Errorf("undecodable stats: %w", err)
	}
	return stats, nil
}

func render(w io.Writer, source string, stats observability.Stats, colours bool) {
	header := fmt.Sprintf(" Relay stats: %s ", source)
	if colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	fmt.Fprintln(w, header)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	table.AppendBulk([][]string{
		{"rooms", strconv.Itoa(stats.Rooms)},
		{"members", strconv.Itoa(stats.Members)},
		{"active_sessions", strconv.FormatInt(stats.ActiveSessions, 10)},
		{"sessions_opened", strconv.FormatUint(stats.SessionsOpened, 10)},
		{"sessions_closed", strconv.FormatUint(stats.SessionsClosed, 10)},
		{"broadcasts", strconv.FormatUint(stats.Broadcasts, 10)},
		{"deliveries", strconv.FormatUint(stats.Deliveries, 10)},
		{"delivery_failures", strconv.FormatUint(stats.DeliveryFailures, 10)},
		{"protocol_errors", strconv.FormatUint(stats.ProtocolErrors, 10)},
		{"rejected_rooms", strconv.FormatUint(stats.RejectedRooms, 10)},
		{"alloc_mem_mb", strconv.FormatUint(stats.AllocMemMb, 10)},
		{"num_gc", strconv.FormatUint(uint64(stats.NumGC), 10)},
	})
	table.Render()
}
