package services

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/glebarez/go-sqlite"

	"github.com/sasaki2110/morizo/internal/chain"
)

// InventoryService manages the user's food inventory. The by-name update
// and delete operations come in strategy variants: the bare operation pauses
// for confirmation when the name matches more than one record, while the
// _latest/_oldest/_all/_by_id variants act without asking.
type InventoryService struct {
	DB *sql.DB
}

func NewInventoryService(db *sql.DB) (*InventoryService, error) {
	query := `CREATE TABLE IF NOT EXISTS inventory (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT NOT NULL,
		item_name TEXT NOT NULL,
		quantity REAL NOT NULL DEFAULT 1,
		unit TEXT NOT NULL DEFAULT '個',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`
	if _, err := db.Exec(query); err != nil {
		return nil, err
	}
	return &InventoryService{DB: db}, nil
}

func (s *InventoryService) Name() string { return "inventory" }

func (s *InventoryService) Methods() []string {
	return []string{
		"inventory_add",
		"inventory_list",
		"inventory_list_by_name",
		"inventory_update_by_name",
		"inventory_update_by_name_latest",
		"inventory_update_by_name_oldest",
		"inventory_update_by_name_all",
		"inventory_update_by_id",
		"inventory_delete_by_name",
		"inventory_delete_by_name_latest",
		"inventory_delete_by_name_oldest",
		"inventory_delete_by_name_all",
		"inventory_delete_by_id",
	}
}

func (s *InventoryService) Invoke(ctx context.Context, method string, params map[string]any) (chain.Outcome, error) {
	switch method {
	case "inventory_add":
		return s.add(ctx, params)
	case "inventory_list":
		return s.list(ctx, params)
	case "inventory_list_by_name":
		return s.listByName(ctx, params)
	case "inventory_update_by_name":
		return s.byName(ctx, params, "update", "")
	case "inventory_update_by_name_latest":
		return s.byName(ctx, params, "update", "latest")
	case "inventory_update_by_name_oldest":
		return s.byName(ctx, params, "update", "oldest")
	case "inventory_update_by_name_all":
		return s.byName(ctx, params, "update", "all")
	case "inventory_update_by_id":
		return s.byID(ctx, params, "update")
	case "inventory_delete_by_name":
		return s.byName(ctx, params, "delete", "")
	case "inventory_delete_by_name_latest":
		return s.byName(ctx, params, "delete", "latest")
	case "inventory_delete_by_name_oldest":
		return s.byName(ctx, params, "delete", "oldest")
	case "inventory_delete_by_name_all":
		return s.byName(ctx, params, "delete", "all")
	case "inventory_delete_by_id":
		return s.byID(ctx, params, "delete")
	}
	return chain.Outcome{}, fmt.Errorf("%w: inventory.%s", ErrServiceNotFound, method)
}

func (s *InventoryService) add(ctx context.Context, params map[string]any) (chain.Outcome, error) {
	owner := stringParam(params, "user_id")
	name := stringParam(params, "item_name")
	if owner == "" || name == "" {
		return chain.Outcome{}, fmt.Errorf("inventory_add requires user_id and item_name")
	}
	qty, hasQty := numberParam(params, "quantity")
	if !hasQty {
		qty = 1
	}
	unit := stringParam(params, "unit")
	if unit == "" {
		unit = "個"
	}

	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO inventory (owner_id, item_name, quantity, unit) VALUES (?, ?, ?, ?)`,
		owner, name, qty, unit)
	if err != nil {
		return chain.Outcome{}, fmt.Errorf("failed to add inventory item: %v", err)
	}
	id, _ := res.LastInsertId()
	return ok(map[string]any{
		"item_id":   id,
		"item_name": name,
		"quantity":  qty,
		"unit":      unit,
	}), nil
}

func (s *InventoryService) list(ctx context.Context, params map[string]any) (chain.Outcome, error) {
	owner := stringParam(params, "user_id")
	if owner == "" {
		return chain.Outcome{}, fmt.Errorf("inventory_list requires user_id")
	}
	items, err := s.queryItems(ctx, owner, "")
	if err != nil {
		return chain.Outcome{}, err
	}
	return ok(map[string]any{"items": itemList(items)}), nil
}

func (s *InventoryService) listByName(ctx context.Context, params map[string]any) (chain.Outcome, error) {
	owner := stringParam(params, "user_id")
	name := stringParam(params, "item_name")
	if name == "" {
		return chain.Outcome{}, fmt.Errorf("inventory_list_by_name requires item_name")
	}
	items, err := s.queryItems(ctx, owner, name)
	if err != nil {
		return chain.Outcome{}, err
	}
	return ok(map[string]any{"items": itemList(items)}), nil
}

// byName resolves the named records and applies the action. With no
// strategy and multiple matches it returns a confirmation request instead
// of guessing.
func (s *InventoryService) byName(ctx context.Context, params map[string]any, action, strategy string) (chain.Outcome, error) {
	owner := stringParam(params, "user_id")
	name := stringParam(params, "item_name")
	if name == "" {
		return chain.Outcome{}, fmt.Errorf("inventory %s requires item_name", action)
	}
	if strategy == "" {
		strategy = stringParam(params, "strategy")
	}

	items, err := s.queryItems(ctx, owner, name)
	if err != nil {
		return chain.Outcome{}, err
	}
	if len(items) == 0 {
		return chain.Outcome{}, fmt.Errorf("no inventory item named %q", name)
	}

	var targets []map[string]any
	switch strategy {
	case "latest":
		targets = items[len(items)-1:]
	case "oldest":
		targets = items[:1]
	case "all":
		targets = items
	case "":
		if len(items) > 1 {
			return chain.Outcome{Confirm: &chain.ConfirmRequest{
				Context: map[string]any{
					"kind":       string(chain.MultipleCandidates),
					"candidates": items,
				},
				Message: fmt.Sprintf("「%s」に一致する在庫が%d件あります。対象を指定してください。", name, len(items)),
			}}, nil
		}
		targets = items
	default:
		return chain.Outcome{}, fmt.Errorf("unknown disambiguation strategy %q", strategy)
	}

	return s.apply(ctx, params, action, targets)
}

func (s *InventoryService) byID(ctx context.Context, params map[string]any, action string) (chain.Outcome, error) {
	id, hasID := numberParam(params, "item_id")
	if !hasID {
		return chain.Outcome{}, fmt.Errorf("inventory %s by id requires item_id", action)
	}
	owner := stringParam(params, "user_id")
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, item_name, quantity, unit, created_at FROM inventory WHERE id = ? AND owner_id = ?`,
		int64(id), owner)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return chain.Outcome{}, fmt.Errorf("no inventory item with id %d", int64(id))
	}
	if err != nil {
		return chain.Outcome{}, err
	}
	return s.apply(ctx, params, action, []map[string]any{item})
}

func (s *InventoryService) apply(ctx context.Context, params map[string]any, action string, targets []map[string]any) (chain.Outcome, error) {
	affected := make([]any, 0, len(targets))
	for _, item := range targets {
		id := item["item_id"]
		switch action {
		case "delete":
			if _, err := s.DB.ExecContext(ctx, `DELETE FROM inventory WHERE id = ?`, id); err != nil {
				return chain.Outcome{}, fmt.Errorf("failed to delete item %v: %v", id, err)
			}
		case "update":
			qty, hasQty := numberParam(params, "quantity")
			if !hasQty {
				return chain.Outcome{}, fmt.Errorf("inventory update requires quantity")
			}
			if _, err := s.DB.ExecContext(ctx, `UPDATE inventory SET quantity = ? WHERE id = ?`, qty, id); err != nil {
				return chain.Outcome{}, fmt.Errorf("failed to update item %v: %v", id, err)
			}
			item["quantity"] = qty
		}
		affected = append(affected, item)
	}
	return ok(map[string]any{"items": affected, "count": len(affected)}), nil
}

// queryItems returns items oldest-first, which the latest/oldest strategies
// rely on.
func (s *InventoryService) queryItems(ctx context.Context, owner, name string) ([]map[string]any, error) {
	query := `SELECT id, item_name, quantity, unit, created_at FROM inventory WHERE owner_id = ?`
	args := []any{owner}
	if name != "" {
		query += ` AND item_name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("inventory query failed: %v", err)
	}
	defer rows.Close()

	var items []map[string]any
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// itemList converts items to the []any shape every envelope consumer
// asserts (the convention candidateMaps follows in recipe.go).
func itemList(items []map[string]any) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		out = append(out, item)
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (map[string]any, error) {
	var id int64
	var name, unit, createdAt string
	var qty float64
	if err := row.Scan(&id, &name, &qty, &unit, &createdAt); err != nil {
		return nil, err
	}
	return map[string]any{
		"item_id":    id,
		"item_name":  name,
		"quantity":   qty,
		"unit":       unit,
		"created_at": createdAt,
	}, nil
}
