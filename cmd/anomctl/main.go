package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"recon_bot/internal/anomaly"
	"recon_bot/internal/models"
)

// anomctl — ручное управление хранилищем аномалий.
// Запускать при остановленном боте: оба пишут в один файл.
//
//	anomctl list
//	anomctl stats
//	anomctl clear -id orphan_btc_long_BTCUSDT [-reason "..."]
//	anomctl cleanup -days 7

func storePath() (string, error) {
	configFileName := os.Getenv("CONFIG_FILE")
	if configFileName == "" {
		configFileName = "values_local.yaml"
	}
	viper.SetConfigFile("configs/" + configFileName)
	viper.SetConfigType("yaml")
	viper.SetDefault("anomaly_file", "data/anomalies.json")
	if err := viper.ReadInConfig(); err != nil {
		// без файла работаем на дефолте и ENV
		if !os.IsNotExist(errors.Cause(err)) {
			return "", errors.Wrap(err, "read config")
		}
	}
	if v := os.Getenv("ANOMALY_STORE_PATH"); v != "" {
		return v, nil
	}
	return viper.GetString("anomaly_file"), nil
}

func cmdList(store *anomaly.Store) {
	active := store.ListActive()
	if len(active) == 0 {
		fmt.Println("активных аномалий нет")
		return
	}
	for _, a := range active {
		fmt.Printf("%-45s %-7s %-20s %-12s %-6s qty=%-12.6f cycles=%d detected=%s\n",
			a.ID, a.Kind, a.Strategy, a.Symbol, a.Side, a.Quantity,
			a.CyclesRemaining, a.DetectedAt.Format(time.RFC3339))
	}
}

func cmdStats(store *anomaly.Store) {
	all := store.All()
	var active, cleared, orphans, ghosts int
	for _, a := range all {
		if a.Active() {
			active++
			if a.Kind == models.KindOrphan {
				orphans++
			} else {
				ghosts++
			}
		} else {
			cleared++
		}
	}
	fmt.Printf("всего записей: %d\n", len(all))
	fmt.Printf("активных:      %d (орфанов %d, гостов %d)\n", active, orphans, ghosts)
	fmt.Printf("закрытых:      %d\n", cleared)
}

func cmdClear(store *anomaly.Store, id, reason string) error {
	a, ok := store.Get(id)
	if !ok {
		return errors.Errorf("аномалия %s не найдена", id)
	}
	if !a.Active() {
		return errors.Errorf("аномалия %s уже закрыта", id)
	}
	store.Update(id, func(x *models.Anomaly) {
		x.Status = models.StatusCleared
		t := time.Now()
		x.ClearedAt = &t
	})
	fmt.Printf("🧹 %s закрыта вручную: %s\n", id, reason)
	return nil
}

func cmdCleanup(store *anomaly.Store, days int) {
	n := store.Cleanup(days, time.Now())
	fmt.Printf("удалено %d записей старше %d дн.\n", n, days)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: anomctl <list|stats|clear|cleanup> [flags]")
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	path, err := storePath()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	store, err := anomaly.NewStore(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	switch strings.ToLower(cmd) {
	case "list":
		cmdList(store)
	case "stats":
		cmdStats(store)
	case "clear":
		fs := flag.NewFlagSet("clear", flag.ExitOnError)
		id := fs.String("id", "", "ID аномалии")
		reason := fs.String("reason", "manual clear", "причина")
		_ = fs.Parse(args)
		if *id == "" {
			fmt.Fprintln(os.Stderr, "clear: нужен -id")
			os.Exit(2)
		}
		if err := cmdClear(store, *id, *reason); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "cleanup":
		fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
		days := fs.Int("days", 7, "возраст закрытых записей в днях")
		_ = fs.Parse(args)
		cmdCleanup(store, *days)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		os.Exit(2)
	}
}
