package world

import (
	"sync"

	"go.uber.org/zap"

	"github.com/lk2023060901/auth-garden-go/internal/config"
	"github.com/lk2023060901/auth-garden-go/internal/registry"
	"github.com/lk2023060901/auth-garden-go/pkg/log"
	"github.com/lk2023060901/auth-garden-go/pkg/util/merr"
)

// Status 某个世界服务器的当前状态快照。
type Status struct {
	ID       int
	Name     string
	Addr     string
	MaxUsers int
	Up       bool
}

type worldState struct {
	Status
	// link 为到世界服务器的传输句柄，离线时为 nil。
	link registry.Session
}

// Directory 是配置驱动的世界服务器目录。
// 世界列表静态，上下线状态由其连接的建立与断开驱动。
type Directory struct {
	mu     sync.RWMutex
	worlds map[int]*worldState
}

// NewDirectory 从配置构建世界目录，所有世界初始为离线。
func NewDirectory(worlds []config.WorldConfig) *Directory {
	d := &Directory{worlds: make(map[int]*worldState, len(worlds))}
	for _, w := range worlds {
		d.worlds[w.ID] = &worldState{
			Status: Status{
				ID:       w.ID,
				Name:     w.Name,
				Addr:     w.Addr,
				MaxUsers: w.MaxUsers,
			},
		}
	}
	return d
}

// List 返回所有世界的状态快照，按 ID 无序。
func (d *Directory) List() []Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Status, 0, len(d.worlds))
	for _, w := range d.worlds {
		out = append(out, w.Status)
	}
	return out
}

// Get 返回指定世界的状态快照。
func (d *Directory) Get(id int) (Status, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	w, ok := d.worlds[id]
	if !ok {
		return Status{}, false
	}
	return w.Status, true
}

// SetUp 标记世界上线并绑定其传输句柄。
// 未知世界返回 ErrWorldNotFound。
func (d *Directory) SetUp(id int, link registry.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.worlds[id]
	if !ok {
		return merr.WrapErrWorldNotFound(id)
	}
	w.Up = true
	w.link = link
	return nil
}

// SetDown 标记世界离线，幂等。
func (d *Directory) SetDown(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if w, ok := d.worlds[id]; ok {
		w.Up = false
		w.link = nil
	}
}

// Send 向指定世界发送一条载荷，无投递保证。
// 世界离线时降级为一条 debug 日志并返回 ErrWorldDown，
// 调用方只做本地清理，不得重试。
func (d *Directory) Send(id int, payload []byte) error {
	d.mu.RLock()
	w, ok := d.worlds[id]
	var link registry.Session
	if ok && w.Up {
		link = w.link
	}
	d.mu.RUnlock()

	if !ok {
		return merr.WrapErrWorldNotFound(id)
	}
	if link == nil {
		log.Debug("dropping message to offline world", zap.Int("worldID", id))
		return merr.WrapErrWorldDown(id)
	}
	if err := link.Send(payload); err != nil {
		log.Debug("world send failed, no retry", zap.Int("worldID", id), zap.Error(err))
		return merr.WrapErrWorldDown(id, err.Error())
	}
	return nil
}
