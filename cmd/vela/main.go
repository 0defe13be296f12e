package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gorm.io/driver/sqlite"

	vela "github.com/velabot/vela"
	"github.com/velabot/vela/pkg/backtest"
	"github.com/velabot/vela/pkg/config"
	"github.com/velabot/vela/pkg/core"
	"github.com/velabot/vela/pkg/download"
	"github.com/velabot/vela/pkg/exchange"
	"github.com/velabot/vela/pkg/exchange/binance"
	"github.com/velabot/vela/pkg/notification"
	"github.com/velabot/vela/pkg/optimizer"
	"github.com/velabot/vela/pkg/storage"
	"github.com/velabot/vela/pkg/strategy"

	_ "github.com/velabot/vela/strategies"
)

const (
	dateLayout = "2006-01-02"
)

// Command line flags
var (
	// Download command flags
	pair       string
	days       int
	timeframe  string
	outputFile string
	isFutures  bool

	// Flags shared by backtest, optimize and run
	configFile    string
	scenarioName  string
	dataFiles     []string
	dataTimeframe string
	heikinAshi    bool
	startDate     string
	endDate       string

	// Optimize command flags
	trials     int
	seed       int64
	scoreBy    string
	trainRatio float64
	trialsOut  string

	// Run command flags
	envFile     string
	sqliteFile  string
	stateDir    string
	monitorAddr string
	testnet     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "vela",
		Short:   "Autonomous trading engine utilities",
		Version: "1.0.0",
	}

	rootCmd.AddCommand(buildDownloadCmd())
	rootCmd.AddCommand(buildBacktestCmd())
	rootCmd.AddCommand(buildOptimizeCmd())
	rootCmd.AddCommand(buildRunCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildDownloadCmd() *cobra.Command {
	downloadCmd := &cobra.Command{
		Use:   "download",
		Short: "Download historical candles to a CSV file",
		RunE:  runDownload,
	}

	downloadCmd.Flags().StringVarP(&pair, "pair", "p", "", "Trading pair (e.g. BTCUSDT)")
	downloadCmd.Flags().IntVarP(&days, "days", "d", 0, "Number of days to download (default 30 days)")
	downloadCmd.Flags().StringVarP(&startDate, "start", "s", "", "Start date (e.g. 2025-01-01)")
	downloadCmd.Flags().StringVarP(&endDate, "end", "e", "", "End date (e.g. 2025-06-30)")
	downloadCmd.Flags().StringVarP(&timeframe, "timeframe", "t", "", "Timeframe (e.g. 1h)")
	downloadCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file path (e.g. ./btc.csv)")
	downloadCmd.Flags().BoolVarP(&isFutures, "futures", "f", false, "Use futures market")

	downloadCmd.MarkFlagRequired("pair")
	downloadCmd.MarkFlagRequired("timeframe")
	downloadCmd.MarkFlagRequired("output")

	return downloadCmd
}

func runDownload(cmd *cobra.Command, args []string) error {
	market := core.MarketSpot
	if isFutures {
		market = core.MarketFutures
	}
	feeder, err := binance.New(cmd.Context(), vela.DefaultLog, binance.Config{Market: market})
	if err != nil {
		return err
	}

	options, err := buildDownloadOptions()
	if err != nil {
		return err
	}

	return download.NewDownloader(feeder, vela.DefaultLog).Download(
		cmd.Context(),
		pair,
		timeframe,
		outputFile,
		options...,
	)
}

func buildDownloadOptions() ([]download.Option, error) {
	var options []download.Option

	if days > 0 {
		options = append(options, download.WithDays(days))
	}

	if startDate != "" || endDate != "" {
		if startDate == "" || endDate == "" {
			return nil, fmt.Errorf("start and end dates must be provided together")
		}

		start, err := time.Parse(dateLayout, startDate)
		if err != nil {
			return nil, fmt.Errorf("invalid start date format: %w", err)
		}

		end, err := time.Parse(dateLayout, endDate)
		if err != nil {
			return nil, fmt.Errorf("invalid end date format: %w", err)
		}

		options = append(options, download.WithInterval(start, end))
	}

	return options, nil
}

func buildBacktestCmd() *cobra.Command {
	backtestCmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay a scenario against local CSV candles",
		RunE:  runBacktest,
	}

	addScenarioFlags(backtestCmd)
	backtestCmd.MarkFlagRequired("config")
	backtestCmd.MarkFlagRequired("data")

	return backtestCmd
}

// addScenarioFlags registers the config and candle-file flags shared by the
// backtest and optimize commands.
func addScenarioFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Strategy configuration file (e.g. ./vela.yml)")
	cmd.Flags().StringVarP(&scenarioName, "scenario", "n", "", "Scenario to resolve (default the only scenario)")
	cmd.Flags().StringArrayVarP(&dataFiles, "data", "d", nil, "Candle file as PAIR=FILE, repeatable")
	cmd.Flags().StringVar(&dataTimeframe, "data-timeframe", "", "Bar size stored in the files (default the scenario timeframe)")
	cmd.Flags().BoolVar(&heikinAshi, "heikin-ashi", false, "Smooth bars as Heikin-Ashi while loading")
	cmd.Flags().StringVarP(&startDate, "start", "s", "", "Replay from this date (e.g. 2025-01-01)")
	cmd.Flags().StringVarP(&endDate, "end", "e", "", "Replay until this date (e.g. 2025-06-30)")
}

func runBacktest(cmd *cobra.Command, args []string) error {
	cfg, sc, err := resolveScenario()
	if err != nil {
		return err
	}

	in, err := buildBacktestInput(cmd.Context(), cfg, sc.InitialCash)
	if err != nil {
		return err
	}

	hook, adjust, err := strategyHooks(cfg)
	if err != nil {
		return err
	}

	runner, err := backtest.New(cfg, backtest.Options{
		Hook:     hook,
		Adjust:   adjust,
		Log:      vela.DefaultLog,
		Progress: true,
	})
	if err != nil {
		return err
	}

	result, err := runner.Run(in)
	if err != nil {
		return err
	}
	result.WriteReport(os.Stdout)
	return nil
}

func buildOptimizeCmd() *cobra.Command {
	optimizeCmd := &cobra.Command{
		Use:   "optimize",
		Short: "Search thresholds with TPE and validate them out-of-sample",
		RunE:  runOptimize,
	}

	addScenarioFlags(optimizeCmd)
	optimizeCmd.Flags().IntVar(&trials, "trials", 0, "Parameter sets to evaluate (default 50)")
	optimizeCmd.Flags().Int64Var(&seed, "seed", 0, "Random seed (0 keeps the engine default)")
	optimizeCmd.Flags().StringVar(&scoreBy, "score", "sharpe", "Objective: sharpe or return")
	optimizeCmd.Flags().Float64Var(&trainRatio, "train-ratio", 0, "Share of candles optimized on (default 0.7), the rest stays held out")
	optimizeCmd.Flags().StringVar(&trialsOut, "trials-out", "", "Write every trial to this CSV file")
	optimizeCmd.MarkFlagRequired("config")
	optimizeCmd.MarkFlagRequired("data")

	return optimizeCmd
}

func runOptimize(cmd *cobra.Command, args []string) error {
	cfg, sc, err := resolveScenario()
	if err != nil {
		return err
	}

	in, err := buildBacktestInput(cmd.Context(), cfg, sc.InitialCash)
	if err != nil {
		return err
	}

	score, err := parseScore(scoreBy)
	if err != nil {
		return err
	}

	space := optimizer.DefaultSpace()
	result, err := optimizer.WalkForward(cmd.Context(), cfg, in, optimizer.WalkForwardConfig{
		Space:      space,
		Trials:     trials,
		TrainRatio: trainRatio,
		Seed:       seed,
		Score:      score,
		Log:        vela.DefaultLog,
	})
	if err != nil {
		return err
	}

	if trialsOut != "" {
		if err := optimizer.WriteTrialsCSV(trialsOut, space, result.History); err != nil {
			return err
		}
	}

	fmt.Printf("best train score: %.4f (%s)\n", result.Best.Score, optimizer.FormatParams(result.Best.Params))
	fmt.Printf("held-out score:   %.4f vs incumbent %.4f (improvement %+.1f%%)\n",
		result.BestTest, result.CurrentTest, result.ImprovementPct)
	if result.Updated {
		fmt.Println("verdict: adopt the optimized parameters")
	} else {
		fmt.Println("verdict: keep the current parameters")
	}
	return nil
}

func parseScore(name string) (optimizer.Score, error) {
	switch name {
	case "sharpe":
		return optimizer.ScoreSharpe, nil
	case "return":
		return optimizer.ScoreTotalReturn, nil
	default:
		return nil, fmt.Errorf("unknown score %q, pick sharpe or return", name)
	}
}

func buildRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Trade the configured scenarios in paper or live mode",
		RunE:  runBot,
	}

	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Strategy configuration file (e.g. ./vela.yml)")
	runCmd.Flags().StringVar(&envFile, "env", "", "Env file to load (default ./.env when present)")
	runCmd.Flags().StringArrayVarP(&dataFiles, "data", "d", nil, "Replay candles from PAIR=FILE instead of the exchange, repeatable")
	runCmd.Flags().StringVar(&dataTimeframe, "data-timeframe", "", "Bar size stored in the files (default the base timeframe)")
	runCmd.Flags().BoolVar(&heikinAshi, "heikin-ashi", false, "Smooth incoming bars as Heikin-Ashi")
	runCmd.Flags().StringVar(&sqliteFile, "sqlite", "", "Keep trades in this SQLite database instead of the default key-value store")
	runCmd.Flags().StringVar(&stateDir, "state-dir", "state", "Directory for account, history and command files")
	runCmd.Flags().StringVar(&monitorAddr, "monitor", "", "Serve Prometheus metrics and health on this address (e.g. :9090)")
	runCmd.Flags().BoolVar(&testnet, "testnet", false, "Trade against the exchange testnet")
	runCmd.MarkFlagRequired("config")

	return runCmd
}

func runBot(cmd *cobra.Command, args []string) error {
	if err := loadEnvFile(); err != nil {
		return err
	}

	file, err := config.Load(configFile)
	if err != nil {
		return err
	}
	env := config.ReadEnv()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	feeder, client, err := initializeMarket(ctx, file, env)
	if err != nil {
		return err
	}

	options := []vela.Option{vela.WithStateDir(stateDir)}
	if client != nil {
		options = append(options, vela.WithExchangeClient(client))
	}
	if monitorAddr != "" {
		options = append(options, vela.WithMonitoring(monitorAddr))
	}
	if sqliteFile != "" {
		store, err := storage.FromSQL(sqlite.Open(sqliteFile))
		if err != nil {
			return err
		}
		defer store.Close()
		options = append(options, vela.WithStorage(store))
	}

	notifiers, err := buildNotifiers(env)
	if err != nil {
		return err
	}
	for _, notifier := range notifiers {
		options = append(options, vela.WithNotifier(notifier))
	}

	bot, err := vela.NewBot(ctx, file, feeder, options...)
	if err != nil {
		return err
	}
	return bot.Run(ctx)
}

// loadEnvFile reads --env strictly; without the flag a missing ./.env is fine.
func loadEnvFile() error {
	if envFile != "" {
		return godotenv.Load(envFile)
	}
	_ = godotenv.Load()
	return nil
}

// initializeMarket picks the candle source: local CSV files when --data is
// given, the exchange otherwise. The client comes back nil for replay runs;
// the bot refuses live scenarios without one.
func initializeMarket(ctx context.Context, file *config.File, env config.Env) (core.Feeder, core.ExchangeClient, error) {
	if len(dataFiles) > 0 {
		feeder, err := buildCSVFeeder(file)
		return feeder, nil, err
	}

	market := file.Base.MarketType
	if market == "" {
		market = core.MarketSpot
	}
	// Margin has no live connector; paper margin scenarios mark against
	// spot data, live ones are refused by the factory below.
	if market == core.MarketMargin && !hasLiveScenario(file) {
		market = core.MarketSpot
	}

	cfg := binance.Config{
		Market:     market,
		Testnet:    testnet,
		HeikinAshi: heikinAshi,
	}
	if hasLiveScenario(file) {
		if env.CredentialsFile == "" {
			return nil, nil, core.NewConfigError("live scenarios need %s pointing at a credentials file", config.EnvCredentialsFile)
		}
		creds, err := config.LoadCredentials(env.CredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		cfg.APIKey, cfg.APISecret = creds.APIKey, creds.APISecret
	}

	exc, err := binance.New(ctx, vela.DefaultLog, cfg)
	if err != nil {
		return nil, nil, err
	}
	return exc, exc, nil
}

func hasLiveScenario(file *config.File) bool {
	for _, sc := range file.Scenarios {
		if sc.Mode == config.ModeLive {
			return true
		}
	}
	return false
}

// buildCSVFeeder loads the replay files once and folds in a resample for
// every timeframe the resolved scenarios subscribe at, so trade and trend
// subscriptions both replay.
func buildCSVFeeder(file *config.File) (*exchange.CSVFeed, error) {
	runtimes, err := file.ResolveAll()
	if err != nil {
		return nil, err
	}
	if len(runtimes) == 0 {
		return nil, core.NewConfigError("configuration declares no scenarios")
	}

	feeds, err := parsePairFeeds(runtimes[0].Config.Timeframe)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var timeframes []string
	for _, rt := range runtimes {
		for _, tf := range []string{rt.Config.Timeframe, rt.Config.TrendTimeframe} {
			if tf == "" || seen[tf] {
				continue
			}
			seen[tf] = true
			timeframes = append(timeframes, tf)
		}
	}

	feed, err := exchange.NewCSVFeed(timeframes[0], feeds...)
	if err != nil {
		return nil, err
	}
	for _, tf := range timeframes[1:] {
		extra, err := exchange.NewCSVFeed(tf, feeds...)
		if err != nil {
			return nil, err
		}
		for key, candles := range extra.Candles {
			feed.Candles[key] = candles
		}
	}
	return feed, nil
}

// parsePairFeeds decodes the --data mappings. The stored bar size defaults
// to the timeframe the scenario trades at.
func parsePairFeeds(defaultTimeframe string) ([]exchange.PairFeed, error) {
	fileTimeframe := dataTimeframe
	if fileTimeframe == "" {
		fileTimeframe = defaultTimeframe
	}

	feeds := make([]exchange.PairFeed, 0, len(dataFiles))
	for _, mapping := range dataFiles {
		pairName, file, ok := strings.Cut(mapping, "=")
		if !ok || pairName == "" || file == "" {
			return nil, core.NewConfigError("data mapping %q must look like PAIR=FILE", mapping)
		}
		feeds = append(feeds, exchange.PairFeed{
			Pair:       pairName,
			File:       file,
			Timeframe:  fileTimeframe,
			HeikinAshi: heikinAshi,
		})
	}
	return feeds, nil
}

// resolveScenario loads the configuration and resolves the requested
// scenario, or the only one when the flag is empty.
func resolveScenario() (*config.RuntimeConfig, *config.Scenario, error) {
	file, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}

	name := scenarioName
	if name == "" {
		if len(file.Scenarios) != 1 {
			return nil, nil, core.NewConfigError("configuration has %d scenarios, pick one with --scenario", len(file.Scenarios))
		}
		name = file.Scenarios[0].Name
	}
	return file.Resolve(name)
}

// buildBacktestInput loads the replay candles for every configured pair,
// plus the higher-timeframe series when the scenario sets a trend filter.
func buildBacktestInput(ctx context.Context, cfg *config.RuntimeConfig, initialCash float64) (backtest.Input, error) {
	feeds, err := parsePairFeeds(cfg.Timeframe)
	if err != nil {
		return backtest.Input{}, err
	}

	start, end, err := replayWindow()
	if err != nil {
		return backtest.Input{}, err
	}

	candles, err := loadSeries(ctx, cfg.Timeframe, feeds, cfg.Pairs, start, end)
	if err != nil {
		return backtest.Input{}, err
	}

	in := backtest.Input{InitialCash: initialCash, Candles: candles}
	if cfg.TrendTimeframe != "" {
		trend, err := loadSeries(ctx, cfg.TrendTimeframe, feeds, cfg.Pairs, start, end)
		if err != nil {
			return backtest.Input{}, err
		}
		in.Trend = trend
	}
	return in, nil
}

// replayWindow parses the optional --start/--end bounds. Open bounds run
// from the epoch to now.
func replayWindow() (start, end time.Time, err error) {
	start = time.Unix(0, 0)
	end = time.Now().UTC()

	if startDate != "" {
		start, err = time.Parse(dateLayout, startDate)
		if err != nil {
			return start, end, fmt.Errorf("invalid start date format: %w", err)
		}
	}
	if endDate != "" {
		end, err = time.Parse(dateLayout, endDate)
		if err != nil {
			return start, end, fmt.Errorf("invalid end date format: %w", err)
		}
	}
	return start, end, nil
}

func loadSeries(ctx context.Context, timeframe string, feeds []exchange.PairFeed,
	pairs []string, start, end time.Time) (map[string][]core.Candle, error) {

	feed, err := exchange.NewCSVFeed(timeframe, feeds...)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]core.Candle, len(pairs))
	for _, p := range pairs {
		candles, err := feed.CandlesByPeriod(ctx, p, timeframe, start, end)
		if err != nil {
			return nil, err
		}
		out[p] = candles
	}
	return out, nil
}

// strategyHooks binds the configured strategy from the default registry.
func strategyHooks(cfg *config.RuntimeConfig) (func(*core.Signal), backtest.AdjustFunc, error) {
	if cfg.Strategy == "" {
		return nil, nil, nil
	}
	st, err := strategy.Lookup(cfg.Strategy)
	if err != nil {
		return nil, nil, err
	}
	hook, adjust := strategy.Hooks(st)
	return hook, adjust, nil
}

// buildNotifiers assembles the push channels named by the environment.
func buildNotifiers(env config.Env) ([]core.Notifier, error) {
	var out []core.Notifier

	if env.TelegramToken != "" {
		users, err := parseChatIDs(env.TelegramChatID)
		if err != nil {
			return nil, err
		}
		telegram, err := notification.NewTelegram(notification.TelegramParams{
			Token: env.TelegramToken,
			Users: users,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, telegram)
	}

	if env.NotifyBin != "" {
		out = append(out, notification.NewScript(env.NotifyBin))
	}
	return out, nil
}

// parseChatIDs splits the comma-separated chat id list.
func parseChatIDs(raw string) ([]int64, error) {
	if raw == "" {
		return nil, core.NewConfigError("%s is set but %s is empty", config.EnvTelegramToken, config.EnvTelegramChatID)
	}

	fields := strings.Split(raw, ",")
	ids := make([]int64, 0, len(fields))
	for _, field := range fields {
		id, err := strconv.ParseInt(strings.TrimSpace(field), 10, 64)
		if err != nil {
			return nil, core.NewConfigError("telegram chat id %q: %v", field, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
