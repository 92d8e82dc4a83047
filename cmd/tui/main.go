package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"signalboard-go/internal/config"
	"signalboard-go/internal/dashboard"
	"signalboard-go/internal/inference"
	"signalboard-go/internal/util"
)

const defaultConfigPath = "internal/config/config.yaml"

func main() {
	reader := bufio.NewReader(os.Stdin)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	board, err := dashboard.New(cfg, boardLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build dashboard: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = board.Close() }()
	if err := startBoard(board); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start dashboard: %v\n", err)
		os.Exit(1)
	}

	for {
		fmt.Println("\n=== SignalBoard ===")
		fmt.Println("1) Show status")
		fmt.Println("2) Ticker table")
		fmt.Println("3) Recent alerts")
		fmt.Println("4) Recent candles")
		fmt.Println("5) Switch instrument")
		fmt.Println("6) Run AI analysis")
		fmt.Println("7) Force reconnect")
		fmt.Println("8) Edit feed and analysis settings")
		fmt.Println("9) Save config")
		fmt.Println("10) Reload config from disk")
		fmt.Println("0) Exit")
		fmt.Print("Select option: ")

		input, _ := reader.ReadString('\n')
		choice := strings.TrimSpace(input)

		switch choice {
		case "1":
			printStatus(board)
		case "2":
			printTickers(board)
		case "3":
			printAlerts(board)
		case "4":
			printCandles(board)
		case "5":
			switchInstrument(reader, board)
		case "6":
			runAnalysis(reader, board, cfg)
		case "7":
			if err := board.ForceReconnect(); err != nil {
				fmt.Fprintf(os.Stderr, "reconnect failed: %v\n", err)
			} else {
				fmt.Println("reconnecting")
			}
		case "8":
			editSettings(reader, cfg)
		case "9":
			if err := saveConfig(cfg); err != nil {
				fmt.Fprintf(os.Stderr, "save failed: %v\n", err)
			} else {
				fmt.Println("config saved")
			}
		case "10":
			reloaded, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "reload failed: %v\n", err)
				continue
			}
			next, err := reloadBoard(board, reloaded, boardLogger(), startBoard)
			if next == board {
				fmt.Fprintf(os.Stderr, "restart failed: %v\n", err)
				continue
			}
			board, cfg = next, reloaded
			if err != nil {
				fmt.Fprintf(os.Stderr, "restart: %v\n", err)
				continue
			}
			fmt.Println("config reloaded")
		case "0":
			return
		default:
			fmt.Println("unknown option")
		}
	}
}

// boardLogger only lets warnings reach the terminal so the menu stays readable.
func boardLogger() zerolog.Logger {
	return util.NewConsoleLogger("warn", os.Stderr)
}

// reloadBoard replaces old with a dashboard built from cfg. The old board releases its feed and
// journal before start runs on the new one; if the new board cannot be built, old is returned untouched.
func reloadBoard(old *dashboard.Dashboard, cfg *config.Config, log zerolog.Logger, start func(*dashboard.Dashboard) error) (*dashboard.Dashboard, error) {
	next, err := dashboard.New(cfg, log)
	if err != nil {
		return old, err
	}
	closeErr := old.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("close previous dashboard: %w", closeErr)
	}
	return next, errors.Join(closeErr, start(next))
}

func startBoard(board *dashboard.Dashboard) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return board.Start(ctx)
}

func printStatus(board *dashboard.Dashboard) {
	st := board.Status()
	fmt.Println("\n--- Status ---")
	feed := st.Feed.State.String()
	if st.Feed.Exhausted {
		feed = "OFFLINE (retries exhausted, use option 7)"
	} else if st.Feed.RetryCount > 0 {
		feed = fmt.Sprintf("%s (retry %d, next in %s)", feed, st.Feed.RetryCount, st.Feed.NextDelay)
	}
	fmt.Println("Feed:", feed)
	fmt.Printf("Active: %s %s (%d candles)\n", st.ActiveSymbol, st.Interval, st.Candles)
	if st.Priced {
		fmt.Printf("Price: %.4f\n", st.Price)
	} else {
		fmt.Println("Price: waiting for ticks")
	}
	fmt.Printf("Alerts held: %d/%d\n", st.Alerts, st.AlertCapacity)
	if st.AnalysisID != "" {
		fmt.Printf("Last analysis: %s (%s)\n", st.AnalysisID, st.AnalysisState)
	}
}

func printTickers(board *dashboard.Dashboard) {
	fmt.Println("\n--- Tickers ---")
	for _, t := range board.Tickers() {
		fmt.Printf("%-12s %14.4f %+7.2f%%\n", t.Symbol, t.Price, t.ChangePercent)
	}
}

func printAlerts(board *dashboard.Dashboard) {
	fmt.Println("\n--- Alerts (newest first) ---")
	alerts := board.Alerts()
	if len(alerts) == 0 {
		fmt.Println("none")
	}
	for _, a := range alerts {
		ts := time.UnixMilli(a.Timestamp).Format("15:04:05")
		fmt.Printf("%s %-6s %-10s %-12s %+.2f%% %s\n", ts, a.Severity, a.Type, a.Symbol, a.ChangePercent*100, a.Message)
	}
}

func printCandles(board *dashboard.Dashboard) {
	symbol, interval, bars := board.Candles()
	fmt.Printf("\n--- %s %s ---\n", symbol, interval)
	if len(bars) > 10 {
		bars = bars[len(bars)-10:]
	}
	for _, b := range bars {
		ts := time.UnixMilli(b.Timestamp).Format("01-02 15:04")
		fmt.Printf("%s O %.4f H %.4f L %.4f C %.4f V %.2f\n", ts, b.Open, b.High, b.Low, b.Close, b.Volume)
	}
}

func switchInstrument(reader *bufio.Reader, board *dashboard.Dashboard) {
	symbol := promptString(reader, "Symbol", board.Status().ActiveSymbol)
	interval := promptString(reader, "Interval", board.Status().Interval)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := board.SetActive(ctx, symbol, interval); err != nil {
		fmt.Fprintf(os.Stderr, "switch failed: %v\n", err)
		return
	}
	fmt.Printf("now showing %s %s\n", strings.ToUpper(symbol), interval)
}

func runAnalysis(reader *bufio.Reader, board *dashboard.Dashboard, cfg *config.Config) {
	req := inference.Request{
		Symbol:    promptString(reader, "Symbol", board.Status().ActiveSymbol),
		Timeframe: promptString(reader, "Timeframe", cfg.Analysis.Timeframe),
	}
	sess, err := board.StartAnalysis(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "analysis failed: %v\n", err)
		return
	}
	fmt.Printf("\n--- Analysis %s ---\n", sess.ID)

	printed := 0
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-sess.Done():
			fmt.Print(sess.Text()[printed:])
			printResult(sess)
			return
		case <-ticker.C:
			text := sess.Text()
			fmt.Print(text[printed:])
			printed = len(text)
		}
	}
}

func printResult(sess *inference.Session) {
	res, err := sess.Result()
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "analysis %s: %v\n", sess.State(), err)
		return
	}
	fmt.Println("--- Result ---")
	fmt.Printf("Prediction: %s (confidence %.0f)\n", res.Prediction, res.Confidence)
	fmt.Printf("Action: %s | Risk: %s\n", res.SuggestedAction, res.RiskLevel)
	if res.StopLoss != nil {
		fmt.Printf("Stop loss: %.4f\n", *res.StopLoss)
	}
	if len(res.TakeProfit) > 0 {
		fmt.Printf("Take profit: %v\n", res.TakeProfit)
	}
	if res.Summary != "" {
		fmt.Println("Summary:", res.Summary)
	}
}

func editSettings(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit Settings (applied after save + reload) ---")
	cfg.Feed.URL = promptString(reader, "Feed URL", cfg.Feed.URL)
	cfg.Feed.MaxAttempts = int(promptFloat(reader, "Max reconnect attempts", float64(cfg.Feed.MaxAttempts)))
	cfg.Market.Interval = promptString(reader, "Default interval", cfg.Market.Interval)
	cfg.Analysis.Timeframe = promptString(reader, "Analysis timeframe", cfg.Analysis.Timeframe)
	cfg.Analysis.RiskPreference = promptString(reader, "Risk preference", cfg.Analysis.RiskPreference)
	cfg.Analysis.Model = promptString(reader, "Model", cfg.Analysis.Model)
	cfg.Normalize()
}

func promptString(reader *bufio.Reader, label, current string) string {
	fmt.Printf("%s [%s]: ", label, current)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return current
	}
	return line
}

func promptFloat(reader *bufio.Reader, label string, current float64) float64 {
	fmt.Printf("%s [%.2f]: ", label, current)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return current
	}
	val, err := strconv.ParseFloat(line, 64)
	if err != nil {
		fmt.Printf("invalid number, keeping %.2f\n", current)
		return current
	}
	return val
}

func loadConfig() (*config.Config, error) {
	return config.Load(locateConfig())
}

func saveConfig(cfg *config.Config) error {
	return config.Save(locateConfig(), cfg)
}

func locateConfig() string {
	if path := os.Getenv("SIGNALBOARD_CONFIG"); path != "" {
		return path
	}
	return filepath.Clean(defaultConfigPath)
}
