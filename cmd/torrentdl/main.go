// Command torrentdl downloads the content described by a .torrent file
// using the download core in this module.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kingpin"
	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/tanmoymaji275/bittorrent-client/piecestore"
	"github.com/tanmoymaji275/bittorrent-client/session"
	"github.com/tanmoymaji275/bittorrent-client/torrentfile"
)

var (
	app          = kingpin.New("torrentdl", "Download a torrent's content")
	torrentPath  = app.Arg("torrent", "path to the .torrent file").Required().String()
	downloadDir  = app.Flag("download-dir", "output root directory").Default(".").String()
	configPath   = app.Flag("config", "path to a YAML config file overriding the defaults").String()
	announceURL  = app.Flag("tracker", "override the torrent's announce URL").String()
	pipelineDep  = app.Flag("pipeline-depth", "max outstanding requests per peer").Int()
	blockTimeout = app.Flag("block-timeout-s", "idle timer while downloading a piece").Int()
	debugLog     = app.Flag("debug", "verbose logging").Bool()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := newLogger(*debugLog)
	defer logger.Sync()
	log := logger.Sugar()

	desc, err := torrentfile.ParseFile(*torrentPath)
	if err != nil {
		log.Fatalw("parsing torrent file", "err", err)
	}

	cfg := session.DefaultConfig()
	if *configPath != "" {
		cfg, err = session.LoadConfig(*configPath)
		if err != nil {
			log.Fatalw("loading config", "err", err)
		}
	}
	if *downloadDir != "." {
		cfg.DownloadDir = *downloadDir
	}
	if *pipelineDep > 0 {
		cfg.PipelineDepth = *pipelineDep
	}
	if *blockTimeout > 0 {
		cfg.BlockTimeoutS = *blockTimeout
	}

	disk, err := piecestore.NewDisk(cfg.DownloadDir)
	if err != nil {
		log.Fatalw("preparing download directory", "err", err)
	}
	defer disk.Close()

	store := piecestore.New(desc, disk)

	bar := newProgressBar(desc, store)
	defer bar.Finish()
	stopProgress := watchProgress(store, bar)
	defer close(stopProgress)

	trackerURL := *announceURL
	if trackerURL == "" {
		trackerURL = desc.TrackerURL()
	}
	if trackerURL == "" {
		log.Fatalw("no tracker URL: neither --tracker nor the torrent file's announce/announce-list keys are set")
	}
	colorstring.Println(fmt.Sprintf("[blue]downloading[reset] %s (%d pieces, %d bytes)", desc.Name, desc.NumPieces(), desc.TotalLength))

	sess := session.New(desc, store, cfg, log)
	if err := sess.Run(context.Background(), trackerURL); err != nil {
		colorstring.Println("[red]download failed[reset]")
		log.Fatalw("session ended", "err", err)
	}

	colorstring.Println("[green]download complete[reset]")
}

func newLogger(debug bool) *zap.Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// newProgressBar sizes a textual progress bar to the terminal width when
// stdout is a terminal wider than 20 columns, falling back to a width of 40
// otherwise (spec §7 "textual progress").
func newProgressBar(desc *torrentfile.Descriptor, store *piecestore.Store) *progressbar.ProgressBar {
	width := 40
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
		width = w - 20
	}
	return progressbar.NewOptions(desc.NumPieces(),
		progressbar.OptionSetDescription(desc.Name),
		progressbar.OptionSetWidth(width),
		progressbar.OptionShowCount(),
	)
}

// watchProgress polls piece completion and advances bar accordingly,
// returning a channel the caller closes to stop the watcher.
func watchProgress(store *piecestore.Store, bar *progressbar.ProgressBar) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		lastDone := 0
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				done := 0
				for i := 0; i < store.NumPieces(); i++ {
					if store.PieceComplete(i) {
						done++
					}
				}
				if done > lastDone {
					bar.Add(done - lastDone)
					lastDone = done
				}
				if done == store.NumPieces() {
					return
				}
			}
		}
	}()
	return stop
}
