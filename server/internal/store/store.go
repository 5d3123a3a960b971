package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	nanoid "github.com/jaevor/go-nanoid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/channelrelay/channelrelay/server/internal/relay"
)

// DefaultOwner is the owner recreated by ResetDefaultOwner and used when the
// administration API runs without authentication.
const DefaultOwner = "default"

// CodeLength is the length of generated endpoint codes.
const CodeLength = 100

const codeAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// DefaultIdentity labels endpoints created without an identity.
const DefaultIdentity = "Anonymous"

// Store errors.
var (
	ErrNotFound           = errors.New("store: not found")
	ErrInvalidPermissions = errors.New("store: permissions must be read, write or readwrite")
	ErrInvalidName        = errors.New("store: name must be 1-100 characters")
)

// Store is the gorm-backed repository for owners, rooms and endpoints.
type Store struct {
	db      *gorm.DB
	newCode func() string
}

// Open connects to the SQLite database at path (":memory:" is allowed) and
// runs migrations. debug enables gorm's SQL logging.
func Open(path string, debug bool) (*Store, error) {
	level := logger.Silent
	if debug {
		level = logger.Info
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	// SQLite serialises writers anyway, and every ":memory:" connection
	// would otherwise be a separate database.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return New(db)
}

// New wraps an existing gorm connection and runs migrations.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Owner{}, &Room{}, &Endpoint{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	gen, err := nanoid.CustomASCII(codeAlphabet, CodeLength)
	if err != nil {
		return nil, fmt.Errorf("store: code generator: %w", err)
	}
	return &Store{db: db, newCode: gen}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: get sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// --- owners -----------------------------------------------------------------

// CreateOwner inserts a new owner.
func (s *Store) CreateOwner(ctx context.Context, username, apiKey string) (*Owner, error) {
	if !validName(username) {
		return nil, ErrInvalidName
	}
	o := &Owner{Username: username, APIKey: apiKey}
	if err := s.db.WithContext(ctx).Create(o).Error; err != nil {
		return nil, fmt.Errorf("store: create owner: %w", err)
	}
	return o, nil
}

// EnsureOwner returns the owner named username, creating it with apiKey if
// it does not exist. An existing owner's key is left untouched.
func (s *Store) EnsureOwner(ctx context.Context, username, apiKey string) (*Owner, error) {
	if !validName(username) {
		return nil, ErrInvalidName
	}
	var o Owner
	err := s.db.WithContext(ctx).
		Where(Owner{Username: username}).
		Attrs(Owner{APIKey: apiKey}).
		FirstOrCreate(&o).Error
	if err != nil {
		return nil, fmt.Errorf("store: ensure owner: %w", err)
	}
	return &o, nil
}

// OwnerByAPIKey returns the owner holding key. An empty key never matches.
func (s *Store) OwnerByAPIKey(ctx context.Context, key string) (*Owner, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	var o Owner
	if err := s.db.WithContext(ctx).First(&o, "api_key = ?", key).Error; err != nil {
		return nil, notFound(err, "find owner")
	}
	return &o, nil
}

// OwnerByName returns the owner with the given username.
func (s *Store) OwnerByName(ctx context.Context, username string) (*Owner, error) {
	var o Owner
	if err := s.db.WithContext(ctx).First(&o, "username = ?", username).Error; err != nil {
		return nil, notFound(err, "find owner")
	}
	return &o, nil
}

// ResetDefaultOwner deletes every owner together with their rooms and
// endpoints, then creates DefaultOwner with apiKey. It returns the number of
// owners deleted.
func (s *Store) ResetDefaultOwner(ctx context.Context, apiKey string) (int64, *Owner, error) {
	var deleted int64
	owner := &Owner{Username: DefaultOwner, APIKey: apiKey}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&Endpoint{}).Error; err != nil {
			return err
		}
		if err := tx.Where("1 = 1").Delete(&Room{}).Error; err != nil {
			return err
		}
		res := tx.Where("1 = 1").Delete(&Owner{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return tx.Create(owner).Error
	})
	if err != nil {
		return 0, nil, fmt.Errorf("store: reset default owner: %w", err)
	}

	slog.Info("store: owners reset", "deleted", deleted, "owner", DefaultOwner)
	return deleted, owner, nil
}

// --- rooms ------------------------------------------------------------------

// UpsertRoom creates the owner's room, or updates its webhook if it exists.
// created reports which happened.
func (s *Store) UpsertRoom(ctx context.Context, ownerID uint, name, webhook string) (room *Room, created bool, err error) {
	if !validName(name) {
		return nil, false, ErrInvalidName
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r Room
		err := tx.First(&r, "owner_id = ? AND name = ?", ownerID, name).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			r = Room{OwnerID: ownerID, Name: name, Webhook: webhook}
			created = true
			if err := tx.Create(&r).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := tx.Model(&r).Update("webhook", webhook).Error; err != nil {
				return err
			}
		}
		room = &r
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("store: upsert room: %w", err)
	}
	return room, created, nil
}

// FindRoom returns the owner's room by name.
func (s *Store) FindRoom(ctx context.Context, ownerID uint, name string) (*Room, error) {
	return findRoom(s.db.WithContext(ctx), ownerID, name)
}

func findRoom(db *gorm.DB, ownerID uint, name string) (*Room, error) {
	var r Room
	if err := db.First(&r, "owner_id = ? AND name = ?", ownerID, name).Error; err != nil {
		return nil, notFound(err, "find room")
	}
	return &r, nil
}

// DeleteRoom removes the owner's room and all of its endpoints.
func (s *Store) DeleteRoom(ctx context.Context, ownerID uint, name string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := findRoom(tx, ownerID, name)
		if err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", r.ID).Delete(&Endpoint{}).Error; err != nil {
			return fmt.Errorf("store: delete endpoints: %w", err)
		}
		if err := tx.Delete(r).Error; err != nil {
			return fmt.Errorf("store: delete room: %w", err)
		}
		return nil
	})
}

// ListRooms returns the owner's rooms ordered by name, with endpoint counts.
func (s *Store) ListRooms(ctx context.Context, ownerID uint) ([]RoomSummary, error) {
	db := s.db.WithContext(ctx)

	var owner Owner
	if err := db.First(&owner, ownerID).Error; err != nil {
		return nil, notFound(err, "find owner")
	}

	var rooms []Room
	if err := db.Where("owner_id = ?", ownerID).Order("name").Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("store: list rooms: %w", err)
	}
	if len(rooms) == 0 {
		return []RoomSummary{}, nil
	}

	ids := make([]uint, len(rooms))
	for i, r := range rooms {
		ids[i] = r.ID
	}
	var counts []struct {
		RoomID uint
		N      int
	}
	err := db.Model(&Endpoint{}).
		Select("room_id, count(*) AS n").
		Where("room_id IN ?", ids).
		Group("room_id").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("store: count endpoints: %w", err)
	}
	byRoom := make(map[uint]int, len(counts))
	for _, c := range counts {
		byRoom[c.RoomID] = c.N
	}

	out := make([]RoomSummary, len(rooms))
	for i, r := range rooms {
		out[i] = RoomSummary{Room: r, OwnerName: owner.Username, EndpointCount: byRoom[r.ID]}
	}
	return out, nil
}

// --- endpoints --------------------------------------------------------------

// AddEndpoint issues a new access token for the owner's room.
func (s *Store) AddEndpoint(ctx context.Context, ownerID uint, roomName, identity, permissions string) (*Endpoint, error) {
	if !relay.ParsePermissions(permissions).Valid() {
		return nil, ErrInvalidPermissions
	}
	if identity == "" {
		identity = DefaultIdentity
	}
	if len(identity) > 100 {
		return nil, ErrInvalidName
	}

	db := s.db.WithContext(ctx)
	r, err := findRoom(db, ownerID, roomName)
	if err != nil {
		return nil, err
	}

	e := &Endpoint{
		Code:        s.newCode(),
		RoomID:      r.ID,
		Permissions: permissions,
		Identity:    identity,
	}
	if err := db.Create(e).Error; err != nil {
		return nil, fmt.Errorf("store: create endpoint: %w", err)
	}
	e.Room = *r
	return e, nil
}

// DeleteEndpoint revokes code if it belongs to the owner's room. Sessions
// already connected with it keep running.
func (s *Store) DeleteEndpoint(ctx context.Context, ownerID uint, roomName, code string) error {
	db := s.db.WithContext(ctx)
	r, err := findRoom(db, ownerID, roomName)
	if err != nil {
		return err
	}
	res := db.Where("code = ? AND room_id = ?", code, r.ID).Delete(&Endpoint{})
	if res.Error != nil {
		return fmt.Errorf("store: delete endpoint: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEndpoints returns the endpoints of the owner's room in creation order.
func (s *Store) ListEndpoints(ctx context.Context, ownerID uint, roomName string) ([]Endpoint, error) {
	db := s.db.WithContext(ctx)
	r, err := findRoom(db, ownerID, roomName)
	if err != nil {
		return nil, err
	}
	var out []Endpoint
	if err := db.Where("room_id = ?", r.ID).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list endpoints: %w", err)
	}
	return out, nil
}

// --- resolution -------------------------------------------------------------

// Resolve implements relay.Resolver: it maps an endpoint code to its room
// group, capability set, identity and webhook.
func (s *Store) Resolve(ctx context.Context, code string) (relay.Resolution, error) {
	if code == "" {
		return relay.Resolution{}, relay.ErrTokenNotFound
	}
	var e Endpoint
	err := s.db.WithContext(ctx).
		Preload("Room.Owner").
		First(&e, "code = ?", code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return relay.Resolution{}, relay.ErrTokenNotFound
	}
	if err != nil {
		return relay.Resolution{}, fmt.Errorf("store: resolve: %w", err)
	}

	return relay.Resolution{
		Code:        e.Code,
		RoomName:    e.Room.Name,
		GroupKey:    relay.GroupKey(e.Room.Owner.Username, e.Room.Name),
		Permissions: relay.ParsePermissions(e.Permissions),
		Identity:    e.Identity,
		WebhookURL:  e.Room.Webhook,
	}, nil
}

// --- helpers ----------------------------------------------------------------

func validName(s string) bool {
	return s != "" && len(s) <= 100
}

func notFound(err error, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("store: %s: %w", op, err)
}
