package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/urfave/cli"
)

var (
	version = "v0.1.0"

	dataDir    string
	outPath    string
	fileName   string
	maxActive  int
	speedLimit int64
)

func main() {
	app := cli.NewApp()
	app.Name = "warpq"
	app.Version = version
	app.Usage = "queued file downloader"
	app.Description = `warpq downloads files through a bounded-concurrency task queue.
Tasks survive restarts: interrupted downloads are picked up again the
next time the queue starts, and re-submitting a URL that is already
known reuses the existing task instead of downloading twice.`
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:        "data-dir, d",
			Usage:       "directory holding the task database",
			Value:       defaultDataDir(),
			Destination: &dataDir,
		},
	}
	app.Commands = []cli.Command{
		{
			Name:      "get",
			Aliases:   []string{"g"},
			Usage:     "download one or more urls",
			ArgsUsage: "<url> [url...]",
			Action:    get,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:        "download-path, l",
					Usage:       "directory where downloaded files are saved",
					Destination: &outPath,
				},
				cli.StringFlag{
					Name:        "file-name, o",
					Usage:       "explicitly set the name of the file (single-url form only)",
					Destination: &fileName,
				},
				cli.IntFlag{
					Name:        "max-active, x",
					Usage:       "maximum number of concurrent downloads",
					Value:       3,
					Destination: &maxActive,
				},
				cli.Int64Flag{
					Name:        "speed-limit, s",
					Usage:       "aggregate speed limit in bytes per second (0 = unlimited)",
					Destination: &speedLimit,
				},
			},
		},
		{
			Name:    "list",
			Aliases: []string{"ls"},
			Usage:   "list known download tasks",
			Action:  list,
		},
		{
			Name:   "flush",
			Usage:  "remove finished tasks from the task database",
			Action: flush,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warpq"
	}
	return filepath.Join(home, ".warpq")
}

func printRuntimeErr(cmd, action string, err error) {
	fmt.Printf("warpq: %s[%s]: %s\n", cmd, action, err.Error())
}
