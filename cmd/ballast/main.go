// ballast is a small workbench around the cache subsystem: it runs a
// synthetic page workload against a badger-backed store and prints the
// resulting tier statistics. Useful for eyeballing how the rebalancer
// shifts capacity under different read/write mixes.
package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sahib/ballast"
	"github.com/sahib/ballast/defaults"
	"github.com/sahib/ballast/page"
	"github.com/sahib/ballast/store"
	colorlog "github.com/sahib/ballast/util/log"
	"github.com/sahib/config"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

func init() {
	log.SetOutput(os.Stderr)
	log.SetLevel(log.InfoLevel)
	log.SetFormatter(&colorlog.FancyLogFormatter{UseColors: true})
}

func loadConfig(path string) *config.Config {
	if path == "" {
		return defaults.MustOpenDefault()
	}

	cfg, err := defaults.OpenMigratedConfig(path)
	if err != nil {
		log.Fatalf("failed to load config at %s: %v", path, err)
	}

	return cfg
}

func runBench(ctx *cli.Context) error {
	dir := ctx.String("dir")
	if dir == "" {
		tmpDir, err := ioutil.TempDir("", "ballast-bench")
		if err != nil {
			return err
		}

		defer os.RemoveAll(tmpDir)
		dir = tmpDir
	}

	backend, err := store.NewBadgerStore(dir)
	if err != nil {
		return err
	}

	defer backend.Close()

	cfg := loadConfig(ctx.GlobalString("config"))
	if ctx.Bool("metrics") {
		if err := cfg.SetBool("cache.metrics.enabled", true); err != nil {
			return err
		}
	}

	cache, err := ballast.New(backend, cfg)
	if err != nil {
		return err
	}

	workers := ctx.Int("workers")
	ops := ctx.Int("ops")
	pages := ctx.Int("pages")
	readRatio := ctx.Float64("read-ratio")
	pageSize := int64(ctx.Int("page-size"))

	log.Infof(
		"bench: %d worker(s), %d op(s) each, %d page(s) of %s, %.0f%% reads",
		workers, ops, pages, humanize.Bytes(uint64(pageSize)), readRatio*100,
	)

	start := time.Now()

	var wg sync.WaitGroup
	for wid := 0; wid < workers; wid++ {
		wg.Add(1)

		go func(wid int) {
			defer wg.Done()

			w := cache.Worker(wid)
			rng := rand.New(rand.NewSource(int64(wid)))

			for op := 0; op < ops; op++ {
				// Zipf-ish skew: low IDs are hot.
				id := page.ID(rng.Intn(pages)*rng.Intn(pages)/pages + 1)

				if rng.Float64() < readRatio {
					if _, err := w.Fetch(id); err != nil && err != page.ErrNotFound {
						log.Warningf("worker %d: fetch %s: %v", wid, id, err)
					}
					continue
				}

				// Payloads are shared read-only once cached; hand over
				// a fresh slice per write.
				pl := make([]byte, pageSize)
				pl[0] = byte(op)
				w.Write(id, pl)
			}

			if err := cache.CloseWorker(wid); err != nil {
				log.Warningf("worker %d: teardown: %v", wid, err)
			}
		}(wid)
	}

	wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := cache.Checkpoint(flushCtx); err != nil {
		log.Warningf("final checkpoint: %v", err)
	}

	cache.Tick()
	fmt.Printf("ran %d ops in %v\n\n", workers*ops, time.Since(start))
	printStats(cache)

	return cache.Close()
}

func printStats(cache *ballast.Cache) {
	fmt.Printf(
		"%-8s %10s %10s %8s %12s %12s\n",
		"TIER", "HITS", "MISSES", "HITRATE", "SIZE", "CAPACITY",
	)

	for _, ts := range cache.Stats() {
		fmt.Printf(
			"%-8s %10.0f %10.0f %7.1f%% %12s %12s\n",
			ts.Name, ts.Hits, ts.Misses, ts.HitRate()*100,
			humanize.Bytes(uint64(ts.CurrentSize)),
			humanize.Bytes(uint64(ts.Capacity)),
		)
	}
}

func main() {
	app := cli.NewApp()
	app.Name = "ballast"
	app.Usage = "Adaptive multi-tier page cache workbench"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "Path to a config.yml; defaults are used if empty",
			Value: "",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:   "bench",
			Usage:  "Run a synthetic workload and print tier statistics",
			Action: runBench,
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "workers, w",
					Usage: "Number of concurrent workers",
					Value: 4,
				},
				cli.IntFlag{
					Name:  "ops, n",
					Usage: "Operations per worker",
					Value: 100000,
				},
				cli.IntFlag{
					Name:  "pages, p",
					Usage: "Number of distinct pages",
					Value: 10000,
				},
				cli.IntFlag{
					Name:  "page-size",
					Usage: "Payload bytes per page",
					Value: 4096,
				},
				cli.Float64Flag{
					Name:  "read-ratio, r",
					Usage: "Fraction of operations that are reads",
					Value: 0.95,
				},
				cli.StringFlag{
					Name:  "dir, d",
					Usage: "Badger store directory (temporary if empty)",
					Value: "",
				},
				cli.BoolFlag{
					Name:  "metrics, m",
					Usage: "Serve the metrics endpoint while running",
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("ballast: %v", err)
	}
}
