package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"auto-trader-go/infrastructure/logger"
)

// ReloadHandler 配置热更新回调，返回错误表示拒绝应用
type ReloadHandler func(old, new AppConfig) error

// HotReloader 监听配置文件变更并热加载。
// 限额、阈值等可热更的字段由各 handler 自行应用；
// 模式、总线后端这类启动期字段变更只告警不生效。
type HotReloader struct {
	path     string
	cooldown time.Duration
	log      *logger.Logger

	mu       sync.RWMutex
	current  AppConfig
	handlers []ReloadHandler
	lastLoad time.Time

	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewHotReloader 创建热加载器，initial 为启动时已加载的配置
func NewHotReloader(path string, initial AppConfig, cooldown time.Duration, log *logger.Logger) *HotReloader {
	if cooldown <= 0 {
		cooldown = 2 * time.Second
	}
	return &HotReloader{
		path:     path,
		cooldown: cooldown,
		log:      log,
		current:  initial,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// OnReload 注册变更回调，须在 Start 前调用
func (h *HotReloader) OnReload(fn ReloadHandler) {
	h.handlers = append(h.handlers, fn)
}

// Current 返回当前生效的配置
func (h *HotReloader) Current() AppConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Start 开始监听。编辑器常用 rename+create 方式保存，
// 所以监听文件所在目录而不是文件本身。
func (h *HotReloader) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(h.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", h.path, err)
	}
	h.watcher = w

	go h.loop()
	h.log.Info("config hot reload started", zap.String("path", h.path))
	return nil
}

// Stop 停止监听并等待循环退出
func (h *HotReloader) Stop() {
	if h.watcher == nil {
		return
	}
	close(h.stopChan)
	<-h.doneChan
	h.watcher.Close()
}

func (h *HotReloader) loop() {
	defer close(h.doneChan)

	target := filepath.Clean(h.path)
	for {
		select {
		case <-h.stopChan:
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			h.maybeReload()
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.log.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (h *HotReloader) maybeReload() {
	h.mu.Lock()
	if time.Since(h.lastLoad) < h.cooldown {
		h.mu.Unlock()
		return
	}
	h.lastLoad = time.Now()
	h.mu.Unlock()

	fresh, err := LoadWithEnvOverrides(h.path)
	if err != nil {
		h.log.Error("config reload rejected", zap.Error(err))
		return
	}

	h.mu.Lock()
	old := h.current
	h.mu.Unlock()

	if fresh.Mode != old.Mode || fresh.Bus.Backend != old.Bus.Backend {
		h.log.Warn("mode and bus backend changes require restart, keeping old values",
			zap.String("mode", old.Mode), zap.String("bus", old.Bus.Backend))
		fresh.Mode = old.Mode
		fresh.Bus = old.Bus
	}

	for _, fn := range h.handlers {
		if err := fn(old, fresh); err != nil {
			h.log.Error("config reload handler rejected change", zap.Error(err))
			return
		}
	}

	h.mu.Lock()
	h.current = fresh
	h.mu.Unlock()
	h.log.Info("config reloaded", zap.String("path", h.path))
}
