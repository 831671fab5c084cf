// Command foundry-janitor sweeps expired task metadata out of a bbolt
// result-backend file. The Redis result backend expires entries on its
// own (a 3-day TTL set at write time); a bbolt file has no such
// expiration, so an operator running on the embedded backend needs this
// tool to reclaim space from terminal jobs older than its retention
// window.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foundryrun/foundry/internal/types"
)

var (
	dbPath = flag.String("db", "./share/foundry.db", "Path to the bbolt result-backend file")
	ttl    = flag.Duration("ttl", 72*time.Hour, "Delete terminal task metadata older than this, measured from date_done")
	dryRun = flag.Bool("dry-run", false, "Show what would be deleted without making changes")
	backup = flag.String("backup", "", "Path to back up the database before sweeping (default: <db>.backup)")
)

var bucketTaskMeta = []byte("task_meta")

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Foundry result-backend janitor")
	log.Println("===============================")

	if _, err := os.Stat(*dbPath); os.IsNotExist(err) {
		log.Fatalf("database not found at %s", *dbPath)
	}

	log.Printf("database: %s", *dbPath)
	log.Printf("ttl: %s", *ttl)
	log.Printf("dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backup
		if backupFile == "" {
			backupFile = *dbPath + ".backup"
		}
		log.Printf("creating backup: %s", backupFile)
		if err := copyFile(*dbPath, backupFile); err != nil {
			log.Fatalf("failed to create backup: %v", err)
		}
		log.Println("backup created")
	}

	db, err := bolt.Open(*dbPath, 0o600, nil)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	swept, kept, err := sweep(db, *ttl, *dryRun)
	if err != nil {
		log.Fatalf("sweep failed: %v", err)
	}

	if *dryRun {
		log.Printf("dry run complete: %d would be deleted, %d would be kept", swept, kept)
		return
	}
	log.Printf("sweep complete: %d deleted, %d kept", swept, kept)
}

// sweep deletes every task_meta entry whose status is terminal and whose
// date_done is older than ttl, returning the number deleted and kept.
func sweep(db *bolt.DB, ttl time.Duration, dryRun bool) (swept, kept int, err error) {
	cutoff := time.Now().Add(-ttl)

	var staleKeys [][]byte
	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketTaskMeta)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var meta types.TaskMeta
			if jsonErr := json.Unmarshal(v, &meta); jsonErr != nil {
				log.Printf("skipping %s: invalid JSON: %v", k, jsonErr)
				return nil
			}
			if !meta.Status.Terminal() || meta.DateDone == nil || meta.DateDone.After(cutoff) {
				kept++
				return nil
			}
			key := append([]byte(nil), k...)
			staleKeys = append(staleKeys, key)
			return nil
		})
	})
	if err != nil {
		return 0, 0, err
	}

	if dryRun {
		for _, k := range staleKeys {
			log.Printf("[dry run] would delete %s", k)
		}
		return len(staleKeys), kept, nil
	}

	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketTaskMeta)
		for _, k := range staleKeys {
			if delErr := bucket.Delete(k); delErr != nil {
				return fmt.Errorf("delete %s: %w", k, delErr)
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return len(staleKeys), kept, nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0o600)
}
