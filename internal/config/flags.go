package config

import (
	"flag"
	"os"

	"github.com/clinicsync/clinicsync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-t string   tenant (clinic) id
//	-o string   origin (device) id
//	-d string   local SQLite database path
//	-k string   encryption keys directory
//	-z string   snapshot compression ("xz" or "none")
//	-u string   S3 access key id
//	-p string   S3 secret access key
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//	-x string   S3 object key prefix
//
// Note: The function filters os.Args to only include the flags it knows
// about, using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-t", "-o", "-d", "-k", "-z", "-u", "-p", "-b", "-g", "-e", "-x"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.TenantID, "t", cfg.TenantID, "tenant (clinic) id")
	fs.StringVar(&cfg.OriginID, "o", cfg.OriginID, "origin (device) id")
	fs.StringVar(&cfg.DatabasePath, "d", cfg.DatabasePath, "local database path")
	fs.StringVar(&cfg.KeysDir, "k", cfg.KeysDir, "encryption keys directory")
	fs.StringVar(&cfg.Compression, "z", cfg.Compression, "snapshot compression (xz or none)")
	fs.StringVar(&cfg.S3AccessKeyID, "u", cfg.S3AccessKeyID, "S3 access key id")
	fs.StringVar(&cfg.S3SecretAccessKey, "p", cfg.S3SecretAccessKey, "S3 secret access key")
	fs.StringVar(&cfg.S3Bucket, "b", cfg.S3Bucket, "S3 bucket")
	fs.StringVar(&cfg.S3Region, "g", cfg.S3Region, "S3 region")
	fs.StringVar(&cfg.S3BaseEndpoint, "e", cfg.S3BaseEndpoint, "S3 base endpoint")
	fs.StringVar(&cfg.S3Prefix, "x", cfg.S3Prefix, "S3 object key prefix")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
