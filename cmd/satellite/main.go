// satellite is a companion server for a LANraragi instance: it scans archives
// for corruption, uploads new ones, enriches metadata and deduplicates
// archives by perceptual similarity.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/psilabs-dev/satellite/satellite"
	"github.com/psilabs-dev/satellite/satellite/satellitedb"
)

func main() {
	root := &cobra.Command{
		Use:   "satellite",
		Short: "Satellite companion server for LANraragi",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the satellite server",
		RunE:  cmdRun,
	}
	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Create the satellite home directory and register the api key",
		RunE:  cmdSetup,
	}

	bindFlags(runCmd.Flags())
	root.AddCommand(runCmd, setupCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func bindFlags(flags *pflag.FlagSet) {
	flags.String("address", "", "address for the api server to listen on")
	flags.String("contents-dir", "", "the archive server's contents directory")
}

// loadConfig assembles the peer configuration from the environment and any
// flags the command was given.
func loadConfig(flags *pflag.FlagSet) (satellite.Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	for key, env := range map[string]string{
		"home":                  "SATELLITE_HOME",
		"database.path":         "SATELLITE_DB_PATH",
		"console.address":       "SATELLITE_ADDRESS",
		"console.disableapikey": "SATELLITE_DISABLE_API_KEY",

		"lrr.host":      "LRR_HOST",
		"lrr.apikey":    "LRR_API_KEY",
		"lrr.sslverify": "LRR_SSL_VERIFY",
		"contentsdir":   "LRR_CONTENTS_DIR",

		"upload.dir": "UPLOAD_DIR",

		"metadata.nhentaiarchivistdb": "METADATA_NHENTAI_ARCHIVIST_DB",
		"metadata.pixivutil2db":       "METADATA_PIXIVUTIL2_DB",
		"nhdd.dndmpath":               "NHENTAI_ARCHIVIST_DONOTDOWNLOADME_PATH",

		"nhdddb.database": "NHDD_DB",
		"nhdddb.host":     "NHDD_DB_HOST",
		"nhdddb.user":     "NHDD_DB_USER",
		"nhdddb.password": "NHDD_DB_PASS",

		"img2vec.host":    "IMG2VEC_HOST",
		"img2vec.workers": "IMG2VEC_WORKERS",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return satellite.Config{}, errs.Wrap(err)
		}
	}

	home := v.GetString("home")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return satellite.Config{}, errs.Wrap(err)
		}
		home = filepath.Join(userHome, ".satellite")
	}
	v.SetDefault("database.path", filepath.Join(home, "db", "db.sqlite"))
	v.SetDefault("console.address", ":8000")
	v.SetDefault("lrr.sslverify", true)
	v.SetDefault("nhdddb.database", "nhdd")
	v.SetDefault("nhdddb.user", "postgres")
	v.SetDefault("img2vec.workers", 1)

	if flags != nil {
		if address, err := flags.GetString("address"); err == nil && address != "" {
			v.Set("console.address", address)
		}
		if contentsDir, err := flags.GetString("contents-dir"); err == nil && contentsDir != "" {
			v.Set("contentsdir", contentsDir)
		}
	}

	config := satellite.Config{}
	config.ContentsDir = v.GetString("contentsdir")
	config.Database.Path = v.GetString("database.path")
	config.Console.Address = v.GetString("console.address")
	config.Console.DisableAPIKey = v.GetBool("console.disableapikey")

	config.LRR.Host = v.GetString("lrr.host")
	config.LRR.APIKey = v.GetString("lrr.apikey")
	config.LRR.SSLVerify = v.GetBool("lrr.sslverify")

	config.Upload.Dir = v.GetString("upload.dir")
	config.Upload.Semaphore = 8

	config.Metadata.SleepTime = 5
	config.Metadata.Semaphore = 8
	config.Metadata.NhentaiArchivistDB = v.GetString("metadata.nhentaiarchivistdb")
	config.Metadata.PixivUtil2DB = v.GetString("metadata.pixivutil2db")

	config.NhddDB.Host = v.GetString("nhdddb.host")
	config.NhddDB.Database = v.GetString("nhdddb.database")
	config.NhddDB.User = v.GetString("nhdddb.user")
	config.NhddDB.Password = v.GetString("nhdddb.password")

	config.Img2Vec.Host = v.GetString("img2vec.host")
	config.Img2Vec.Workers = v.GetInt("img2vec.workers")
	config.Img2Vec.Timeout = 5 * time.Minute

	config.Nhdd.DNDMPath = v.GetString("nhdd.dndmpath")
	config.Nhdd.DownloadConcurrency = 4
	config.Nhdd.JobBatchSize = 1000

	config.Scan.BatchSize = 100

	return config, nil
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	log, err := zap.NewProduction()
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() { _ = log.Sync() }()

	config, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	peer, err := satellite.New(ctx, log, config)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, peer.Close()) }()

	return peer.Run(ctx)
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	log, err := zap.NewProduction()
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() { _ = log.Sync() }()

	config, err := loadConfig(nil)
	if err != nil {
		return err
	}
	apiKey := os.Getenv("SATELLITE_API_KEY")
	if apiKey == "" {
		return errs.New("SATELLITE_API_KEY is not set")
	}

	ctx := context.Background()
	db, err := satellitedb.Open(ctx, log, config.Database)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	if err := db.RegisterAPIKey(ctx, apiKey); err != nil {
		return err
	}
	log.Info("api key registered", zap.String("database", config.Database.Path))
	return nil
}
