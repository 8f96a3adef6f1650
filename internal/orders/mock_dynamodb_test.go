package orders

import (
	"context"
	"errors"
	"strconv"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type item = map[string]types.AttributeValue

// mockDynamo is an in-memory DynamoDB that understands the expressions the
// DynamoStore issues. Items live per table keyed by their single key value.
type mockDynamo struct {
	mu            sync.Mutex
	tables        map[string]map[string]item
	transactErr   error
	transactCalls int
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{tables: map[string]map[string]item{}}
}

func keyValue(key item) (string, error) {
	for _, v := range key {
		s, ok := v.(*types.AttributeValueMemberS)
		if !ok {
			return "", errors.New("non-string key")
		}
		return s.Value, nil
	}
	return "", errors.New("empty key")
}

func (m *mockDynamo) lookup(table string, key item) (item, string, error) {
	pk, err := keyValue(key)
	if err != nil {
		return nil, "", err
	}
	if _, ok := m.tables[table]; !ok {
		m.tables[table] = map[string]item{}
	}
	return m.tables[table][pk], pk, nil
}

func (m *mockDynamo) put(table string, it item) {
	if _, ok := m.tables[table]; !ok {
		m.tables[table] = map[string]item{}
	}
	for _, k := range []string{"order_id", "menu_item_id", "customer_id", "code", "usage_key"} {
		if v, ok := it[k].(*types.AttributeValueMemberS); ok {
			m.tables[table][v.Value] = it
			return
		}
	}
	panic("item without a known key attribute")
}

func getN(it item, name string) int64 {
	v, ok := it[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(v.Value, 10, 64)
	return n
}

func setN(it item, name string, n int64) {
	it[name] = &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func getS(it item, name string) string {
	if v, ok := it[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func getBool(it item, name string) bool {
	if v, ok := it[name].(*types.AttributeValueMemberBOOL); ok {
		return v.Value
	}
	return false
}

func holds(it item, cond *string, vals item) bool {
	if cond == nil {
		return true
	}
	switch *cond {
	case orderNotExists:
		return it == nil
	case decrementCondition:
		_, tracked := it["inventory"]
		return it != nil && getBool(it, "inventory_enabled") && tracked && getN(it, "inventory") >= getN(vals, ":qty")
	case cancelCondition:
		return it != nil && getS(it, "status") == getS(vals, ":pending") && getN(it, "modification_count") == getN(vals, ":mc")
	case statusCondition:
		return it != nil && getS(it, "status") == getS(vals, ":expected")
	case debitCondition:
		return it != nil && getN(it, "wallet_balance_cents") >= getN(vals, ":amt")
	}
	panic("unsupported condition " + *cond)
}

func apply(it item, update string, vals item) {
	switch update {
	case decrementStock:
		setN(it, "inventory", getN(it, "inventory")-getN(vals, ":qty"))
	case restockStock:
		setN(it, "inventory", getN(it, "inventory")+getN(vals, ":qty"))
	case cancelUpdate:
		it["status"] = vals[":cancelled"]
		setN(it, "modification_count", getN(it, "modification_count")+1)
		it["updated_at"] = vals[":ua"]
	case statusUpdate:
		it["status"] = vals[":new"]
		it["updated_at"] = vals[":ua"]
	case debitUpdate:
		setN(it, "wallet_balance_cents", getN(it, "wallet_balance_cents")-getN(vals, ":amt"))
	case statsUpdate:
		setN(it, "order_count", getN(it, "order_count")+1)
		setN(it, "total_spent_cents", getN(it, "total_spent_cents")+getN(vals, ":amt"))
	case referralUpdate:
		it["referral_applied"] = vals[":true"]
	case usageUpdate:
		setN(it, "uses", getN(it, "uses")+1)
	case couponUsedUpdate:
		setN(it, "used_count", getN(it, "used_count")+1)
	default:
		panic("unsupported update " + update)
	}
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	return nil, errors.New("not used by the orders store")
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, _, err := m.lookup(*params.TableName, params.Key)
	if err != nil {
		return nil, err
	}
	return &dyn.GetItemOutput{Item: it}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := *params.TableName
	it, pk, err := m.lookup(table, params.Key)
	if err != nil {
		return nil, err
	}
	if !holds(it, params.ConditionExpression, params.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{}
	}
	if it == nil {
		it = item{}
		for k, v := range params.Key {
			it[k] = v
		}
		m.tables[table][pk] = it
	}
	apply(it, *params.UpdateExpression, params.ExpressionAttributeValues)
	return &dyn.UpdateItemOutput{}, nil
}

func (m *mockDynamo) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactCalls++
	if m.transactErr != nil {
		return nil, m.transactErr
	}

	reasons := make([]types.CancellationReason, len(params.TransactItems))
	failed := false
	for i, ti := range params.TransactItems {
		reasons[i] = types.CancellationReason{Code: awsString("None")}
		switch {
		case ti.Put != nil:
			pk, err := keyValue(pickKey(ti.Put.Item))
			if err != nil {
				return nil, err
			}
			if !holds(m.tables[*ti.Put.TableName][pk], ti.Put.ConditionExpression, ti.Put.ExpressionAttributeValues) {
				reasons[i].Code = awsString("ConditionalCheckFailed")
				failed = true
			}
		case ti.Update != nil:
			it, _, err := m.lookup(*ti.Update.TableName, ti.Update.Key)
			if err != nil {
				return nil, err
			}
			if !holds(it, ti.Update.ConditionExpression, ti.Update.ExpressionAttributeValues) {
				reasons[i].Code = awsString("ConditionalCheckFailed")
				if ti.Update.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld {
					reasons[i].Item = it
				}
				failed = true
			}
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{CancellationReasons: reasons}
	}

	for _, ti := range params.TransactItems {
		switch {
		case ti.Put != nil:
			m.put(*ti.Put.TableName, ti.Put.Item)
		case ti.Update != nil:
			table := *ti.Update.TableName
			it, pk, _ := m.lookup(table, ti.Update.Key)
			if it == nil {
				it = item{}
				for k, v := range ti.Update.Key {
					it[k] = v
				}
				m.tables[table][pk] = it
			}
			apply(it, *ti.Update.UpdateExpression, ti.Update.ExpressionAttributeValues)
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func pickKey(it item) item {
	for _, k := range []string{"order_id", "menu_item_id", "customer_id", "code", "usage_key"} {
		if v, ok := it[k]; ok {
			return item{k: v}
		}
	}
	return nil
}
