package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"board-api/domain"
)

// Directory resolves boards, columns and users from the tables the board
// directory and auth services maintain. Everything here is read-only; this
// core never mutates board metadata or identities.
type Directory struct {
	boardTable  *aztables.Client
	columnTable *aztables.Client
	userTable   *aztables.Client
}

// NewDirectory creates a Directory over an existing table service client.
func NewDirectory(connStr, boardsTable, columnsTable, usersTable string) (*Directory, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, err
	}
	return &Directory{
		boardTable:  svc.NewClient(boardsTable),
		columnTable: svc.NewClient(columnsTable),
		userTable:   svc.NewClient(usersTable),
	}, nil
}

type columnEntity struct {
	aztables.Entity
	Title    string `json:"Title"`
	Position int    `json:"Position"`
}

// GetColumn looks a column up by id. Column rows are partitioned by board.
func (d *Directory) GetColumn(ctx context.Context, id string) (domain.Column, error) {
	filter := fmt.Sprintf("RowKey eq '%s'", id)
	pager := d.columnTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return domain.Column{}, mapTableErr(err)
		}
		for _, raw := range resp.Entities {
			var ent columnEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return domain.Column{}, err
			}
			return domain.Column{
				ID:       ent.RowKey,
				BoardID:  ent.PartitionKey,
				Title:    ent.Title,
				Position: ent.Position,
			}, nil
		}
	}
	return domain.Column{}, ErrNotFound
}

type boardEntity struct {
	aztables.Entity
	Name    string `json:"Name"`
	OwnerID string `json:"OwnerId"`
}

func (d *Directory) GetBoard(ctx context.Context, id string) (domain.Board, error) {
	ent, err := d.boardTable.GetEntity(ctx, id, id, nil)
	if err != nil {
		return domain.Board{}, mapTableErr(err)
	}
	var board boardEntity
	if err := json.Unmarshal(ent.Value, &board); err != nil {
		return domain.Board{}, err
	}
	return domain.Board{ID: id, Name: board.Name, OwnerID: board.OwnerID}, nil
}

type userEntity struct {
	aztables.Entity
	Username string `json:"Username"`
}

func (d *Directory) GetUser(ctx context.Context, id string) (domain.User, error) {
	ent, err := d.userTable.GetEntity(ctx, id, id, nil)
	if err != nil {
		return domain.User{}, mapTableErr(err)
	}
	var user userEntity
	if err := json.Unmarshal(ent.Value, &user); err != nil {
		return domain.User{}, err
	}
	return domain.User{ID: id, Username: user.Username}, nil
}

// MemoryDirectory is a fixed in-process directory, used by tests and local
// runs without a table service.
type MemoryDirectory struct {
	mu      sync.RWMutex
	boards  map[string]domain.Board
	columns map[string]domain.Column
	users   map[string]domain.User
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		boards:  make(map[string]domain.Board),
		columns: make(map[string]domain.Column),
		users:   make(map[string]domain.User),
	}
}

func (d *MemoryDirectory) AddBoard(b domain.Board) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.boards[b.ID] = b
}

func (d *MemoryDirectory) AddColumn(c domain.Column) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.columns[c.ID] = c
}

func (d *MemoryDirectory) AddUser(u domain.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

func (d *MemoryDirectory) GetColumn(_ context.Context, id string) (domain.Column, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.columns[id]
	if !ok {
		return domain.Column{}, ErrNotFound
	}
	return c, nil
}

func (d *MemoryDirectory) GetBoard(_ context.Context, id string) (domain.Board, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.boards[id]
	if !ok {
		return domain.Board{}, ErrNotFound
	}
	return b, nil
}

func (d *MemoryDirectory) GetUser(_ context.Context, id string) (domain.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return u, nil
}
