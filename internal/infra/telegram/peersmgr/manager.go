// Package peersmgr — обёртка над gotd peers.Manager с персистентным хранилищем на bbolt.
// Каждый телеграм-аккаунт пула получает собственный экземпляр Service и свой файл кэша.
// Сервис отвечает за:
//   - открытие/закрытие базы данных кэша пиров;
//   - подготовку менеджера пиров (в памяти) и доступ к нему;
//   - загрузку сохранённых peers из файла в менеджер при старте;
//   - прогрев через выгрузку диалогов и хранение снимка групп/супергрупп,
//     доступного без сетевого запроса.
package peersmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"telegram-broadcast/internal/infra/storage"

	bboltdb "github.com/gotd/contrib/bbolt"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
)

const (
	peersBucketName                  = "peers"
	groupsSnapshotBucket             = "groups_snapshot"
	groupsSnapshotKey                = "v1"
	dbOpenTimeout                    = time.Second
	dbFileMode           os.FileMode = 0o600
)

var (
	peersBucketBytes       = []byte(peersBucketName)
	groupsSnapshotBuckets  = []byte(groupsSnapshotBucket)
	groupsSnapshotKeyBytes = []byte(groupsSnapshotKey)
)

// GroupDialog — один групповой чат аккаунта в нормализованном виде:
// супергруппы получают канонический идентификатор -100<digits>, обычные
// группы — отрицательный chat_id.
type GroupDialog struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Kind       string `json:"kind"` // group | supergroup
	AccessHash int64  `json:"accessHash"`
}

// Service инкапсулирует менеджер пиров и bbolt-хранилище одного аккаунта.
type Service struct {
	db    *bbolt.DB
	store contribstorage.PeerStorage
	Mgr   *peers.Manager

	mu     sync.RWMutex
	groups []GroupDialog
}

// New создаёт сервис пиров поверх bbolt и gotd peers.Manager.
// Сразу после открытия файла загружает сохранённый снимок групп (если есть),
// но не выполняет сетевые запросы.
func New(api *tg.Client, dbPath string) (*Service, error) {
	if api == nil {
		return nil, errors.New("peersmgr: api client is nil")
	}
	path := strings.TrimSpace(dbPath)
	if path == "" {
		return nil, errors.New("peersmgr: db path is empty")
	}

	if err := storage.EnsureDir(path); err != nil {
		return nil, fmt.Errorf("peersmgr: %w", err)
	}

	db, err := bbolt.Open(path, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("peersmgr: open db: %w", err)
	}

	service := &Service{
		db:    db,
		store: bboltdb.NewPeerStorage(db, peersBucketBytes),
		Mgr:   (peers.Options{}).Build(api),
	}

	if loadErr := service.loadGroupsSnapshot(); loadErr != nil {
		_ = db.Close()
		return nil, loadErr
	}

	return service, nil
}

// Close закрывает файл базы данных.
func (s *Service) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Store возвращает персистентное хранилище пиров (для UpdateHook).
func (s *Service) Store() contribstorage.PeerStorage {
	return s.store
}

// Groups возвращает копию текущего снимка групповых диалогов.
func (s *Service) Groups() []GroupDialog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.groups) == 0 {
		return nil
	}
	result := make([]GroupDialog, len(s.groups))
	copy(result, s.groups)
	return result
}

// LoadFromStorage прогружает сохранённые peers из bbolt в оперативный peers.Manager.
func (s *Service) LoadFromStorage(ctx context.Context) error {
	iter, exists, err := s.iterateStoredPeers(ctx)
	if err != nil {
		if isJSONUnmarshalError(err) {
			_ = s.resetPeersBucket()
			return nil
		}
		return fmt.Errorf("peersmgr: iterate stored peers: %w", err)
	}
	if !exists {
		return nil
	}
	defer func() {
		_ = iter.Close()
	}()

	users := make([]tg.UserClass, 0)
	chats := make([]tg.ChatClass, 0)

	for iter.Next(ctx) {
		value := iter.Value()
		switch value.Key.Kind {
		case dialogs.User:
			user := value.User
			if user == nil {
				user = &tg.User{
					ID:         value.Key.ID,
					AccessHash: value.Key.AccessHash,
				}
			}
			users = append(users, user)
		case dialogs.Chat:
			chat := value.Chat
			if chat == nil {
				chat = &tg.Chat{ID: value.Key.ID}
			}
			chats = append(chats, chat)
		case dialogs.Channel:
			channel := value.Channel
			if channel == nil {
				channel = &tg.Channel{
					ID:         value.Key.ID,
					AccessHash: value.Key.AccessHash,
				}
			}
			chats = append(chats, channel)
		}
	}

	if err = iter.Err(); err != nil {
		return fmt.Errorf("peersmgr: iterate stored peers: %w", err)
	}
	if len(users) == 0 && len(chats) == 0 {
		return nil
	}
	return s.Mgr.Apply(ctx, users, chats)
}

// RefreshDialogs выгружает список диалогов, прогревает peers.Manager и
// перезаписывает снимок групп. Возвращает свежий снимок.
func (s *Service) RefreshDialogs(ctx context.Context, api *tg.Client) ([]GroupDialog, error) {
	client := s.selectAPI(api)
	if client == nil {
		return nil, errors.New("peersmgr: telegram client is nil")
	}

	fetched, err := fetchDialogs(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("peersmgr: fetch dialogs: %w", err)
	}

	if err = s.Mgr.Apply(ctx, fetched.Users, fetched.Chats); err != nil {
		return nil, fmt.Errorf("peersmgr: apply entities: %w", err)
	}

	groups := extractGroupDialogs(fetched.Chats)
	if err = s.saveGroupsSnapshot(groups); err != nil {
		return nil, fmt.Errorf("peersmgr: persist groups snapshot: %w", err)
	}
	return groups, nil
}

// ResolveChannel возвращает InputPeer для супергруппы/канала по его «сырому»
// идентификатору (без префикса -100), используя прогретый кэш access_hash.
func (s *Service) ResolveChannel(ctx context.Context, channelID int64) (tg.InputPeerClass, error) {
	channel, err := s.Mgr.ResolveChannelID(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("resolve channel %d: %w", channelID, err)
	}
	return channel.InputPeer(), nil
}

// extractGroupDialogs фильтрует сущности диалогов до групп и супергрупп
// и нормализует идентификаторы к канонической форме чата.
func extractGroupDialogs(chats []tg.ChatClass) []GroupDialog {
	groups := make([]GroupDialog, 0, len(chats))
	for _, entity := range chats {
		switch chat := entity.(type) {
		case *tg.Chat:
			if chat.Deactivated {
				continue
			}
			groups = append(groups, GroupDialog{
				ID:    fmt.Sprintf("-%d", chat.ID),
				Title: chat.Title,
				Kind:  "group",
			})
		case *tg.Channel:
			if !chat.Megagroup {
				continue
			}
			groups = append(groups, GroupDialog{
				ID:         fmt.Sprintf("-100%d", chat.ID),
				Title:      chat.Title,
				Kind:       "supergroup",
				AccessHash: chat.AccessHash,
			})
		}
	}
	return groups
}

// selectAPI выбирает приоритетный tg.Client: переданный явно или из менеджера.
func (s *Service) selectAPI(explicit *tg.Client) *tg.Client {
	if explicit != nil {
		return explicit
	}
	if s.Mgr != nil {
		return s.Mgr.API()
	}
	return nil
}

func (s *Service) iterateStoredPeers(ctx context.Context) (contribstorage.PeerIterator, bool, error) {
	exists := false
	if err := s.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(peersBucketBytes) != nil
		return nil
	}); err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}
	iter, err := s.store.Iterate(ctx)
	if err != nil {
		return nil, false, err
	}
	return iter, true, nil
}

func isJSONUnmarshalError(err error) bool {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return true
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return true
	}
	return strings.Contains(err.Error(), "json:")
}

func (s *Service) resetPeersBucket() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(peersBucketBytes); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(peersBucketBytes)
		return err
	})
}

func (s *Service) loadGroupsSnapshot() error {
	var data []byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(groupsSnapshotBuckets)
		if bucket == nil {
			return nil
		}
		value := bucket.Get(groupsSnapshotKeyBytes)
		if len(value) == 0 {
			return nil
		}
		data = append(data, value...)
		return nil
	}); err != nil {
		return fmt.Errorf("peersmgr: load snapshot: %w", err)
	}

	if len(data) == 0 {
		s.setGroups(nil)
		return nil
	}

	var groups []GroupDialog
	if err := json.Unmarshal(data, &groups); err != nil {
		return fmt.Errorf("peersmgr: decode snapshot: %w", err)
	}
	s.setGroups(groups)
	return nil
}

func (s *Service) saveGroupsSnapshot(groups []GroupDialog) error {
	payload, err := json.Marshal(groups)
	if err != nil {
		return fmt.Errorf("peersmgr: marshal snapshot: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket, bucketErr := tx.CreateBucketIfNotExists(groupsSnapshotBuckets)
		if bucketErr != nil {
			return bucketErr
		}
		return bucket.Put(groupsSnapshotKeyBytes, payload)
	})
	if err != nil {
		return fmt.Errorf("peersmgr: save snapshot: %w", err)
	}
	s.setGroups(groups)
	return nil
}

func (s *Service) setGroups(groups []GroupDialog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(groups) == 0 {
		s.groups = nil
		return
	}
	s.groups = make([]GroupDialog, len(groups))
	copy(s.groups, groups)
}
