package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"council/internal/council"
	"council/internal/logger"
	"council/internal/snapshot"

	"github.com/fsnotify/fsnotify"
)

// 中文说明：
// Inbox 监听一个目录，把落地的 *.json 快照提交为新的 cycle。
// 提交成功的文件移到 done/，解析或校验失败的移到 failed/ 并附带 .err 说明。

const inboxDebounce = 300 * time.Millisecond

// Submitter 为收件箱依赖的提交能力，由 council.Service 实现。
type Submitter interface {
	Submit(ctx context.Context, snap snapshot.Snapshot) (string, <-chan council.Result, error)
}

type Inbox struct {
	dir      string
	svc      Submitter
	debounce time.Duration
}

func NewInbox(dir string, svc Submitter) *Inbox {
	return &Inbox{dir: dir, svc: svc, debounce: inboxDebounce}
}

func (in *Inbox) doneDir() string   { return filepath.Join(in.dir, "done") }
func (in *Inbox) failedDir() string { return filepath.Join(in.dir, "failed") }

// Run 先处理目录中已有的快照，再监听新文件，直到 ctx 取消。
func (in *Inbox) Run(ctx context.Context) error {
	for _, dir := range []string{in.dir, in.doneDir(), in.failedDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create inbox dir: %w", err)
		}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(in.dir); err != nil {
		return fmt.Errorf("watch inbox %s: %w", in.dir, err)
	}
	logger.Infof("收件箱监听中: %s", in.dir)

	existing, _ := filepath.Glob(filepath.Join(in.dir, "*.json"))
	sort.Strings(existing)
	for _, path := range existing {
		in.process(ctx, path)
	}

	ready := make(chan string, 16)
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isSnapshotFile(event.Name) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			name := event.Name
			if t, ok := timers[name]; ok {
				t.Stop()
			}
			timers[name] = time.AfterFunc(in.debounce, func() {
				select {
				case ready <- name:
				case <-ctx.Done():
				}
			})
		case path := <-ready:
			delete(timers, path)
			in.process(ctx, path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("收件箱监听错误: %v", err)
		}
	}
}

func isSnapshotFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(strings.ToLower(base), ".json") && !strings.HasPrefix(base, ".")
}

// process 提交单个快照文件；文件已被移走时忽略。
func (in *Inbox) process(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	base := filepath.Base(path)
	snap, err := snapshot.LoadFile(path)
	if err == nil {
		var id string
		id, _, err = in.svc.Submit(ctx, snap)
		if err == nil {
			logger.Infof("收件箱提交 %s -> cycle %s", base, id)
			in.move(path, filepath.Join(in.doneDir(), id+"-"+base))
			return
		}
	}
	logger.Warnf("收件箱快照 %s 被拒绝: %v", base, err)
	target := filepath.Join(in.failedDir(), base)
	in.move(path, target)
	if werr := os.WriteFile(target+".err", []byte(err.Error()+"\n"), 0o644); werr != nil {
		logger.Warnf("写入 %s.err 失败: %v", base, werr)
	}
}

func (in *Inbox) move(from, to string) {
	if err := os.Rename(from, to); err != nil {
		logger.Warnf("移动 %s 失败: %v", from, err)
	}
}
