// Package config loads process settings from the environment and compile
// settings from YAML or JSON files.
package config

import (
	"os"
	"strings"
)

// StorageDriver identifies a snapshot persistence backend.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// DefaultSQLitePath is used when SEGCORE_SQLITE_PATH is unset.
const DefaultSQLitePath = "./segmentcore.db"

// S3 holds the S3 / MinIO blob settings.
type S3 struct {
	Bucket          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
}

// Blob selects and parameterises the blob store.
type Blob struct {
	Driver string
	FSRoot string
	S3     S3
}

// Env is the process configuration.
type Env struct {
	StorageDriver StorageDriver
	SQLitePath    string
	PostgresDSN   string
	Blob          Blob
	LogLevel      string
	LogFormat     string
}

// FromEnv reads the SEGCORE_* variables.
//
//	SEGCORE_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	SEGCORE_SQLITE_PATH: path to sqlite file (default ./segmentcore.db)
//	SEGCORE_POSTGRES_DSN: postgres DSN when driver=postgres
//	SEGCORE_BLOB_DRIVER: fs|s3|memory (default fs)
//	SEGCORE_BLOB_FS_ROOT: directory root when driver=fs (default .)
//	SEGCORE_BLOB_S3_BUCKET, _REGION, _ENDPOINT, _PATH_STYLE, _ACCESS_KEY_ID, _SECRET_ACCESS_KEY
//	SEGCORE_LOG_LEVEL: debug|info|warn|error (default info)
//	SEGCORE_LOG_FORMAT: text|json (default text)
func FromEnv() Env {
	env := Env{
		StorageDriver: StorageDriver(getenv("SEGCORE_STORAGE_DRIVER", string(StorageSQLite))),
		SQLitePath:    getenv("SEGCORE_SQLITE_PATH", DefaultSQLitePath),
		PostgresDSN:   os.Getenv("SEGCORE_POSTGRES_DSN"),
		Blob: Blob{
			Driver: getenv("SEGCORE_BLOB_DRIVER", "fs"),
			FSRoot: getenv("SEGCORE_BLOB_FS_ROOT", "."),
			S3: S3{
				Bucket:          os.Getenv("SEGCORE_BLOB_S3_BUCKET"),
				Region:          os.Getenv("SEGCORE_BLOB_S3_REGION"),
				Endpoint:        os.Getenv("SEGCORE_BLOB_S3_ENDPOINT"),
				PathStyle:       strings.EqualFold(os.Getenv("SEGCORE_BLOB_S3_PATH_STYLE"), "true"),
				AccessKeyID:     os.Getenv("SEGCORE_BLOB_S3_ACCESS_KEY_ID"),
				SecretAccessKey: os.Getenv("SEGCORE_BLOB_S3_SECRET_ACCESS_KEY"),
			},
		},
		LogLevel:  getenv("SEGCORE_LOG_LEVEL", "info"),
		LogFormat: getenv("SEGCORE_LOG_FORMAT", "text"),
	}
	env.StorageDriver = StorageDriver(strings.ToLower(string(env.StorageDriver)))
	return env
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
