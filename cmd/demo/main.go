package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/arjunrao/pagestore/btree"
)

func main() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("pagestore demo: a durable, crash-consistent B+tree over a paged file")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println()

	dir := "./data-btree"
	os.MkdirAll(dir, 0755)
	defer os.RemoveAll(dir)

	tr, err := btree.Open(btree.Config{
		Path:           dir + "/demo.db",
		PageSize:       4096,
		MaxCachedNodes: 256,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer tr.Close()

	fmt.Println("✓ Opened tree (creates the file and its empty root if new)")

	fmt.Println("\n[Writing data]")
	testData := map[string]string{
		"session:2001": `{"user_id": 1001, "expires": "2024-12-31"}`,
		"session:2002": `{"user_id": 1002, "expires": "2024-12-31"}`,
		"config:app":   `{"version": "1.0", "debug": false}`,
		"config:db":    `{"host": "localhost", "port": 5432}`,
	}
	for key, value := range testData {
		if err := tr.Store([]byte(key), []byte(value)); err != nil {
			log.Printf("error writing %s: %v", key, err)
			continue
		}
		fmt.Printf("  STORE %s\n", key)
	}

	fmt.Println("\n[Reading data]")
	value, err := tr.Load([]byte("session:2001"))
	if err != nil {
		log.Printf("error reading: %v", err)
	} else {
		fmt.Printf("  LOAD session:2001 -> %s\n", truncate(string(value), 50))
	}

	fmt.Println("\n[Updating data in place]")
	if err := tr.Store([]byte("config:app"), []byte(`{"version": "2.0", "debug": true}`)); err != nil {
		log.Printf("error updating: %v", err)
	} else {
		fmt.Println("  STORE config:app -> new version")
	}
	value, err = tr.Load([]byte("config:app"))
	if err != nil {
		log.Printf("error reading: %v", err)
	} else {
		fmt.Printf("  LOAD config:app -> %s\n", truncate(string(value), 50))
	}

	fmt.Println("\n[Committing]")
	if err := tr.Commit(); err != nil {
		log.Fatalf("commit: %v", err)
	}
	fmt.Println("  ✓ committed: root pointer and undo-log marker swapped atomically")

	fmt.Println("\n[Deleting data]")
	if err := tr.Delete([]byte("session:2002")); err != nil {
		log.Printf("error deleting: %v", err)
	} else {
		fmt.Println("  DELETE session:2002")
	}
	if _, err := tr.Load([]byte("session:2002")); err != nil {
		fmt.Println("  LOAD session:2002 -> not found (as expected)")
	}

	fmt.Println("\n[Cache stats]")
	stats := tr.Stats()
	fmt.Printf("  Hits: %d  Misses: %d  Evictions: %d\n", stats.Hits, stats.Misses, stats.Evictions)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
