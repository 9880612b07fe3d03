package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/tsroute/internal/config"
	"github.com/3leaps/tsroute/internal/observability"
	"github.com/3leaps/tsroute/pkg/objectstore"
	"github.com/3leaps/tsroute/pkg/router"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks against the effective configuration: routing file,
object store reachability, storage node addresses and, for the s3 backend,
AWS credentials.

Examples:
  tsroute doctor
  tsroute doctor --config /etc/tsroute/tsroute.yaml`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// checkResult is the outcome of one diagnostic check.
type checkResult struct {
	Name   string
	OK     bool
	Detail string
	Err    error
}

func runDoctor(cmd *cobra.Command, args []string) error {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log := observability.CLILogger
	log.Info("=== " + bannerName + " ===")

	cfg, err := config.Load(cmd.Context())
	if err != nil {
		log.Error("Checking configuration... ❌", zap.Error(err))
		return exitError(ExitConfig, "Invalid configuration", err)
	}

	results := runDoctorChecks(cmd.Context(), cfg)
	failed := 0
	for i, r := range results {
		line := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(results), r.Name)
		if r.OK {
			log.Info(line+" ✅ "+r.Detail, zap.String("check", r.Name))
			continue
		}
		failed++
		log.Error(line+" ❌ "+r.Detail, zap.String("check", r.Name), zap.Error(r.Err))
	}

	if failed > 0 {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		return exitError(ExitUnavailable, fmt.Sprintf("%d of %d checks failed", failed, len(results)), nil)
	}
	log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	return nil
}

func runDoctorChecks(ctx context.Context, cfg *config.Config) []checkResult {
	results := []checkResult{
		{Name: "Go runtime", OK: true, Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)},
		checkConfigDir(),
		checkRoutes(cfg.Router.ConfigPath),
		checkNodes(cfg.Transport),
		checkStore(ctx, cfg.ObjectStore),
	}
	if cfg.ObjectStore.Backend == config.BackendS3 {
		results = append(results, checkAWSCredentials(ctx))
	}
	return results
}

func checkConfigDir() checkResult {
	r := checkResult{Name: "config directory"}
	dir, err := os.UserConfigDir()
	if err != nil {
		r.Detail, r.Err = "cannot find config directory", err
		return r
	}
	r.OK, r.Detail = true, dir
	return r
}

func checkRoutes(path string) checkResult {
	r := checkResult{Name: "routing configuration"}
	if path == "" {
		r.Detail = "router.config_path is not set"
		return r
	}
	cfg, err := router.ReadConfigFile(path)
	if err == nil {
		err = router.New().Validate(cfg)
	}
	if err != nil {
		r.Detail, r.Err = path, err
		return r
	}
	r.OK = true
	r.Detail = fmt.Sprintf("%s (%d rules, %d shards)", path, len(cfg.Rules), len(cfg.Shards))
	return r
}

func checkNodes(cfg config.TransportConfig) checkResult {
	r := checkResult{Name: "storage nodes"}
	nodes, err := cfg.NodeAddresses()
	if err != nil {
		r.Detail, r.Err = "invalid transport.nodes", err
		return r
	}
	r.OK, r.Detail = true, fmt.Sprintf("%d configured", len(nodes))
	return r
}

func checkStore(ctx context.Context, cfg config.ObjectStoreConfig) checkResult {
	r := checkResult{Name: "object store"}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		r.Detail, r.Err = "cannot open "+cfg.Backend+" store", err
		return r
	}
	defer func() { _ = store.Close() }()

	db, err := objectstore.NewDatabase(store, cfg.ServerID, cfg.Database)
	if err != nil {
		r.Detail, r.Err = "invalid database", err
		return r
	}
	txns, err := db.CatalogTransactions(ctx)
	if err != nil {
		r.Detail, r.Err = "cannot list catalog", err
		return r
	}
	r.OK = true
	r.Detail = fmt.Sprintf("%s (%d catalog transactions)", db.RootPath(), len(txns))
	return r
}

func checkAWSCredentials(ctx context.Context) checkResult {
	r := checkResult{Name: "AWS credentials"}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		r.Detail, r.Err = "cannot load AWS config", err
		printAWSCredentialsHelp()
		return r
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		r.Detail, r.Err = "cannot retrieve credentials", err
		printAWSCredentialsHelp()
		return r
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	r.OK, r.Detail = true, fmt.Sprintf("%s from %s", maskAccessKey(creds.AccessKeyID), source)
	return r
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. Run 'aws configure' to set up a profile, or")
	log.Info("  3. Use IAM role when running on AWS infrastructure")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set objectstore.s3.endpoint.")
}
