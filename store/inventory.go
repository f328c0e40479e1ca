package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// InventoryItem is one (item, quantity) pair owned by an identity.
type InventoryItem struct {
	ItemID     int64
	Quantity   int64
	AcquiredAt string
}

// mergeInventory folds the source identity's items into the target,
// summing quantities on collision.
func mergeInventory(tx *Tx, fromUserID, toUserID int64) error {
	now := nowISO()
	rows, err := tx.Query(`SELECT item_id, quantity, acquired_at FROM user_inventory WHERE user_id = ?`, fromUserID)
	if err != nil {
		return wrapBusy(err, "failed to read inventory")
	}
	var items []InventoryItem
	for rows.Next() {
		var it InventoryItem
		if err := rows.Scan(&it.ItemID, &it.Quantity, &it.AcquiredAt); err != nil {
			rows.Close()
			return errors.Wrap(err, "failed to scan inventory row")
		}
		items = append(items, it)
	}
	rows.Close()

	for _, it := range items {
		if _, err := tx.Exec(
			`INSERT INTO user_inventory (user_id, item_id, quantity, acquired_at, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(user_id, item_id)
			 DO UPDATE SET
				quantity = user_inventory.quantity + excluded.quantity,
				updated_at = excluded.updated_at`,
			toUserID, it.ItemID, it.Quantity, it.AcquiredAt, now,
		); err != nil {
			return wrapBusy(err, "failed to merge inventory row")
		}
	}
	_, err = tx.Exec(`DELETE FROM user_inventory WHERE user_id = ?`, fromUserID)
	return wrapBusy(err, "failed to clear source inventory")
}

// GrantItem adds quantity of an item to an identity's inventory.
func (s *Store) GrantItem(ctx context.Context, userID, itemID, quantity int64) error {
	if quantity <= 0 {
		return ErrInvalidAmount
	}
	return s.withImmediateTx(ctx, func(tx *Tx) error {
		userID = resolveActiveUserIDTx(tx, userID)
		now := nowISO()
		_, err := tx.Exec(
			`INSERT INTO user_inventory (user_id, item_id, quantity, acquired_at, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(user_id, item_id)
			 DO UPDATE SET
				quantity = user_inventory.quantity + excluded.quantity,
				updated_at = excluded.updated_at`,
			userID, itemID, quantity, now, now,
		)
		return wrapBusy(err, "failed to grant item")
	})
}

// ConsumeItem removes quantity of an item, failing when the identity does
// not hold enough.
func (s *Store) ConsumeItem(ctx context.Context, userID, itemID, quantity int64) error {
	if quantity <= 0 {
		return ErrInvalidAmount
	}
	return s.withImmediateTx(ctx, func(tx *Tx) error {
		userID = resolveActiveUserIDTx(tx, userID)
		var held int64
		err := tx.QueryRow(
			`SELECT quantity FROM user_inventory WHERE user_id = ? AND item_id = ? LIMIT 1`,
			userID, itemID,
		).Scan(&held)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && held < quantity) {
			return ErrInsufficientFunds
		}
		if err != nil {
			return wrapBusy(err, "failed to read inventory row")
		}
		if held == quantity {
			_, err = tx.Exec(`DELETE FROM user_inventory WHERE user_id = ? AND item_id = ?`, userID, itemID)
		} else {
			_, err = tx.Exec(
				`UPDATE user_inventory SET quantity = quantity - ?, updated_at = ? WHERE user_id = ? AND item_id = ?`,
				quantity, nowISO(), userID, itemID,
			)
		}
		return wrapBusy(err, "failed to consume item")
	})
}

// Inventory lists an identity's items.
func (s *Store) Inventory(ctx context.Context, userID int64) ([]InventoryItem, error) {
	userID = s.ResolveActiveUserID(ctx, userID)
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, quantity, acquired_at FROM user_inventory WHERE user_id = ? ORDER BY item_id`, userID,
	)
	if err != nil {
		return nil, wrapBusy(err, "failed to query inventory")
	}
	defer rows.Close()

	var items []InventoryItem
	for rows.Next() {
		var it InventoryItem
		if err := rows.Scan(&it.ItemID, &it.Quantity, &it.AcquiredAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan inventory row")
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
