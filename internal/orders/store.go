package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/restaurant-orderflow/internal/aws"
)

// Update and condition expressions, shared with the test mock.
const (
	orderNotExists     = "attribute_not_exists(order_id)"
	decrementStock     = "SET inventory = inventory - :qty"
	decrementCondition = "inventory_enabled = :true AND inventory >= :qty"
	restockStock       = "ADD inventory :qty"
	cancelUpdate       = "SET #s = :cancelled, modification_count = modification_count + :one, updated_at = :ua"
	cancelCondition    = "#s = :pending AND modification_count = :mc"
	statusUpdate       = "SET #s = :new, updated_at = :ua"
	statusCondition    = "#s = :expected"
	debitUpdate        = "SET wallet_balance_cents = wallet_balance_cents - :amt"
	debitCondition     = "wallet_balance_cents >= :amt"
	statsUpdate        = "ADD order_count :one, total_spent_cents :amt"
	referralUpdate     = "SET referral_applied = :true"
	usageUpdate        = "ADD uses :one"
	couponUsedUpdate   = "ADD used_count :one"
)

// Tables names the DynamoDB tables used by DynamoStore.
type Tables struct {
	Orders      string
	MenuItems   string
	Customers   string
	Coupons     string
	CouponUsage string
}

// DynamoStore is the DynamoDB-backed Store. Order commits and cancellations
// are single TransactWriteItems calls, so the order write and every stock
// change succeed or fail together.
type DynamoStore struct {
	client  aws.DynamoDBAPI
	tables  Tables
	nowFunc func() time.Time
}

// NewDynamoStore creates a new DynamoStore.
func NewDynamoStore(client aws.DynamoDBAPI, tables Tables) *DynamoStore {
	return &DynamoStore{
		client:  client,
		tables:  tables,
		nowFunc: time.Now,
	}
}

// CommitOrder writes the order (guarded by attribute_not_exists(order_id)) and
// a conditional decrement per reserved menu item in one transaction. A failed
// decrement condition cancels the whole transaction and is reported as an
// INSUFFICIENT_INVENTORY abort naming the item and its current stock. If the
// order id is already taken the stored order is returned unchanged.
func (s *DynamoStore) CommitOrder(ctx context.Context, order Order) (CommitResult, error) {
	orderMap, err := attributevalue.MarshalMap(toOrderRecord(order))
	if err != nil {
		return CommitResult{}, fmt.Errorf("marshal order item: %w", err)
	}

	reserved := reservations(order.Items)
	transactItems := make([]types.TransactWriteItem, 0, len(reserved)+1)
	transactItems = append(transactItems, types.TransactWriteItem{
		Put: &types.Put{
			TableName:           &s.tables.Orders,
			Item:                orderMap,
			ConditionExpression: awsString(orderNotExists),
		},
	})
	for _, r := range reserved {
		transactItems = append(transactItems, types.TransactWriteItem{
			Update: &types.Update{
				TableName:           &s.tables.MenuItems,
				Key:                 menuItemKey(r.MenuItemID),
				UpdateExpression:    awsString(decrementStock),
				ConditionExpression: awsString(decrementCondition),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":qty":  numberAttr(int64(r.Quantity)),
					":true": &types.AttributeValueMemberBOOL{Value: true},
				},
				ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
			},
		})
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: transactItems,
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			if len(tce.CancellationReasons) > 0 && deref(tce.CancellationReasons[0].Code) == "ConditionalCheckFailed" {
				existing, gerr := s.GetOrder(ctx, order.ID)
				if gerr != nil {
					return CommitResult{}, fmt.Errorf("load existing order %s: %w", order.ID, gerr)
				}
				return AlreadyCommitted(existing), nil
			}
			for i, reason := range tce.CancellationReasons {
				if i == 0 || deref(reason.Code) != "ConditionalCheckFailed" {
					continue
				}
				r := reserved[i-1]
				return Aborted(AbortReason{
					Code:       AbortInsufficientInventory,
					MenuItemID: r.MenuItemID,
					Available:  stockOf(reason.Item),
				}), nil
			}
			return CommitResult{}, fmt.Errorf("transaction canceled: %w", err)
		}
		return CommitResult{}, fmt.Errorf("transact write: %w", err)
	}
	return Committed(&order), nil
}

// CancelOrder cancels the order and restocks its reserved lines in one
// transaction. The order update is conditional on the status and
// modification counter read beforehand, so a concurrent change aborts it.
func (s *DynamoStore) CancelOrder(ctx context.Context, orderID string, now time.Time) (CommitResult, error) {
	order, err := s.GetOrder(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return Aborted(AbortReason{Code: AbortNotFound}), nil
	}
	if err != nil {
		return CommitResult{}, err
	}
	if reason := cancelCheck(order.Status, order.GraceExpiresAt, now); reason != nil {
		return Aborted(*reason), nil
	}

	transactItems := []types.TransactWriteItem{{
		Update: &types.Update{
			TableName:                &s.tables.Orders,
			Key:                      orderKey(orderID),
			UpdateExpression:         awsString(cancelUpdate),
			ConditionExpression:      awsString(cancelCondition),
			ExpressionAttributeNames: map[string]string{"#s": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":cancelled": &types.AttributeValueMemberS{Value: StatusCancelled},
				":pending":   &types.AttributeValueMemberS{Value: StatusPendingConfirmation},
				":one":       numberAttr(1),
				":mc":        numberAttr(int64(order.ModificationCount)),
				":ua":        timeAttr(now),
			},
		},
	}}
	for _, r := range reservations(order.Items) {
		transactItems = append(transactItems, types.TransactWriteItem{
			Update: &types.Update{
				TableName:        &s.tables.MenuItems,
				Key:              menuItemKey(r.MenuItemID),
				UpdateExpression: awsString(restockStock),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":qty": numberAttr(int64(r.Quantity)),
				},
			},
		})
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: transactItems})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) && len(tce.CancellationReasons) > 0 &&
			deref(tce.CancellationReasons[0].Code) == "ConditionalCheckFailed" {
			current, gerr := s.GetOrder(ctx, orderID)
			if gerr != nil {
				return CommitResult{}, gerr
			}
			return Aborted(AbortReason{Code: AbortInvalidStatus, Status: current.Status}), nil
		}
		return CommitResult{}, fmt.Errorf("transact write: %w", err)
	}

	order.Status = StatusCancelled
	order.ModificationCount++
	order.UpdatedAt = now
	return Committed(order), nil
}

// GetOrder fetches an order by order_id. Returns ErrNotFound if absent.
func (s *DynamoStore) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var rec orderRecord
	found, err := s.getItem(ctx, s.tables.Orders, orderKey(orderID), &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return rec.order(), nil
}

// UpdateStatus conditionally updates the order status from expected -> newStatus.
// Returns nil on success, ErrStatusMismatch if condition failed.
func (s *DynamoStore) UpdateStatus(ctx context.Context, orderID, expectedStatus, newStatus string) error {
	input := &dyn.UpdateItemInput{
		TableName:                &s.tables.Orders,
		Key:                      orderKey(orderID),
		UpdateExpression:         awsString(statusUpdate),
		ConditionExpression:      awsString(statusCondition),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: newStatus},
			":expected": &types.AttributeValueMemberS{Value: expectedStatus},
			":ua":       timeAttr(s.nowFunc()),
		},
	}
	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		if isConditionFailed(err) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

func (s *DynamoStore) GetMenuItems(ctx context.Context, ids []string) (map[string]MenuItem, error) {
	out := make(map[string]MenuItem, len(ids))
	for _, id := range ids {
		if _, seen := out[id]; seen {
			continue
		}
		var rec menuItemRecord
		found, err := s.getItem(ctx, s.tables.MenuItems, menuItemKey(id), &rec)
		if err != nil {
			return nil, err
		}
		if found {
			out[id] = rec.menuItem()
		}
	}
	return out, nil
}

func (s *DynamoStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	var rec customerRecord
	found, err := s.getItem(ctx, s.tables.Customers, customerKey(id), &rec)
	if err != nil || !found {
		return nil, err
	}
	return rec.customer(), nil
}

func (s *DynamoStore) GetCoupon(ctx context.Context, code string) (*Coupon, error) {
	var rec couponRecord
	found, err := s.getItem(ctx, s.tables.Coupons, couponKey(code), &rec)
	if err != nil || !found {
		return nil, err
	}
	c, err := rec.coupon()
	if err != nil {
		return nil, fmt.Errorf("coupon %s: invalid value %q: %w", code, rec.Value, err)
	}
	return c, nil
}

func (s *DynamoStore) CouponUsageCount(ctx context.Context, code, customerID string) (int, error) {
	var rec couponUsageRecord
	if _, err := s.getItem(ctx, s.tables.CouponUsage, usageItemKey(code, customerID), &rec); err != nil {
		return 0, err
	}
	return rec.Uses, nil
}

// RecordCouponUsage bumps the per-customer and global usage counters together.
func (s *DynamoStore) RecordCouponUsage(ctx context.Context, code, customerID, orderID string) error {
	one := map[string]types.AttributeValue{":one": numberAttr(1)}
	_, err := s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Update: &types.Update{
				TableName:                 &s.tables.CouponUsage,
				Key:                       usageItemKey(code, customerID),
				UpdateExpression:          awsString(usageUpdate),
				ExpressionAttributeValues: one,
			}},
			{Update: &types.Update{
				TableName:                 &s.tables.Coupons,
				Key:                       couponKey(code),
				UpdateExpression:          awsString(couponUsedUpdate),
				ExpressionAttributeValues: one,
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("record coupon usage for order %s: %w", orderID, err)
	}
	return nil
}

func (s *DynamoStore) MarkReferralApplied(ctx context.Context, customerID string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:        &s.tables.Customers,
		Key:              customerKey(customerID),
		UpdateExpression: awsString(referralUpdate),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true": &types.AttributeValueMemberBOOL{Value: true},
		},
	})
	if err != nil {
		return fmt.Errorf("mark referral applied: %w", err)
	}
	return nil
}

// DebitWallet subtracts amount from the customer's wallet, refusing to
// overdraw it.
func (s *DynamoStore) DebitWallet(ctx context.Context, customerID string, amount decimal.Decimal) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tables.Customers,
		Key:                 customerKey(customerID),
		UpdateExpression:    awsString(debitUpdate),
		ConditionExpression: awsString(debitCondition),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":amt": numberAttr(toCents(amount)),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrInsufficientBalance
		}
		return fmt.Errorf("debit wallet: %w", err)
	}
	return nil
}

func (s *DynamoStore) UpdateCustomerStats(ctx context.Context, customerID string, spent decimal.Decimal) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:        &s.tables.Customers,
		Key:              customerKey(customerID),
		UpdateExpression: awsString(statsUpdate),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": numberAttr(1),
			":amt": numberAttr(toCents(spent)),
		},
	})
	if err != nil {
		return fmt.Errorf("update customer stats: %w", err)
	}
	return nil
}

func (s *DynamoStore) getItem(ctx context.Context, table string, key map[string]types.AttributeValue, out interface{}) (bool, error) {
	res, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &table,
		Key:            key,
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return false, fmt.Errorf("get item from %s: %w", table, err)
	}
	if len(res.Item) == 0 {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(res.Item, out); err != nil {
		return false, fmt.Errorf("unmarshal item from %s: %w", table, err)
	}
	return true, nil
}

// stockOf reads the inventory attribute from an ALL_OLD image.
func stockOf(item map[string]types.AttributeValue) *int {
	v, ok := item["inventory"].(*types.AttributeValueMemberN)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v.Value)
	if err != nil {
		return nil
	}
	return &n
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

func orderKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"order_id": &types.AttributeValueMemberS{Value: id}}
}

func menuItemKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"menu_item_id": &types.AttributeValueMemberS{Value: id}}
}

func customerKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"customer_id": &types.AttributeValueMemberS{Value: id}}
}

func couponKey(code string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"code": &types.AttributeValueMemberS{Value: code}}
}

func usageItemKey(code, customerID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"usage_key": &types.AttributeValueMemberS{Value: usageKey(code, customerID)}}
}

func numberAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func timeAttr(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: t.UTC().Format(time.RFC3339Nano)}
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
