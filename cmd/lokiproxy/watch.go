package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kewlzin/lokiproxy/internal/bus"
	"github.com/kewlzin/lokiproxy/internal/rules"
)

// watchRulesFile hot-reloads the rules document on change, publishing the
// result as an ApplyRules command through the same bus the websocket
// bridge uses — so a file edit and a browser edit both flow through the
// one command dispatcher (spec §4.7, Testable Scenario S6).
func watchRulesFile(ctx context.Context, path string, b *bus.Bus, logger *slog.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("starting rules file watcher", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		logger.Error("watching rules file", "path", path, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			time.Sleep(50 * time.Millisecond) // let the writer finish
			rs, err := rules.LoadYAMLFile(path)
			if err != nil {
				logger.Warn("reloading rules file failed, keeping prior ruleset", "error", err)
				b.PublishEvent(bus.LogMessage{Msg: "rules reload failed: " + err.Error()})
				continue
			}
			b.SendCommand(bus.ApplyRules{Ruleset: rs})
			logger.Info("reloaded rules file", "path", path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("rules file watcher error", "error", err)
		}
	}
}

func secondsToDuration(s int) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s) * time.Second
}

func millisToDuration(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
