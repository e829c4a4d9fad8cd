package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/loansync/loansync/internal/storage"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <cache-path> list [entity]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "       %s <cache-path> show <entity> <owner>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "       %s <cache-path> corrupt <entity> <owner>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "The corrupt command flips the stored checksum so the next read discards the entry\n")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 3 {
		usage()
	}

	dbPath := os.Args[1]
	command := os.Args[2]
	args := os.Args[3:]

	store, err := storage.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open cache: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch command {
	case "list":
		entity := ""
		if len(args) > 0 {
			entity = args[0]
		}
		err = list(store, entity)
	case "show":
		if len(args) != 2 {
			usage()
		}
		err = show(store, storage.NewKey(args[0], args[1]))
	case "corrupt":
		if len(args) != 2 {
			usage()
		}
		err = corrupt(store, storage.NewKey(args[0], args[1]))
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func list(store *storage.Storage, entity string) error {
	snaps, err := store.List(entity)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Println("No cached entries")
		return nil
	}

	now := time.Now()
	for _, snap := range snaps {
		fmt.Printf("%s  %d ids  captured %s ago\n",
			snap.Key(), len(snap.IDs), snap.Age(now).Truncate(time.Second))
	}
	return nil
}

func show(store *storage.Storage, key storage.Key) error {
	snap, ok, err := store.Get(key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no valid entry for %s", key)
	}

	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func corrupt(store *storage.Storage, key storage.Key) error {
	snap, ok, err := store.Get(key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no valid entry for %s", key)
	}

	fmt.Printf("Found entry %s (%d ids)\n", key, len(snap.IDs))
	fmt.Printf("  Original checksum: %s\n", snap.Checksum)

	// Corrupt the checksum (change first character)
	if snap.Checksum[0] == 'a' {
		snap.Checksum = "b" + snap.Checksum[1:]
	} else {
		snap.Checksum = "a" + snap.Checksum[1:]
	}
	fmt.Printf("  Corrupted checksum: %s\n", snap.Checksum)

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal corrupted entry: %w", err)
	}
	if err := store.RawPut(key, data); err != nil {
		return fmt.Errorf("failed to save corrupted entry: %w", err)
	}

	fmt.Println("✓ Successfully corrupted cache entry")
	return nil
}
