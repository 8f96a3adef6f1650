package idempotency

import (
	"context"
	"errors"
	"strconv"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// simpleMock is a very small in-memory mock for PutItem/GetItem/UpdateItem used in unit tests.
// It understands only the condition expressions the Store issues.
type simpleMock struct {
	mu          sync.Mutex
	table       map[string]map[string]types.AttributeValue
	putCalls    int
	getCalls    int
	updateCalls int
	failAll     error
}

func newSimpleMock() *simpleMock {
	return &simpleMock{
		table: map[string]map[string]types.AttributeValue{},
	}
}

func strAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func numAttr(item map[string]types.AttributeValue, name string) (int64, bool) {
	v, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	return n, err == nil
}

func (m *simpleMock) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if m.failAll != nil {
		return nil, m.failAll
	}
	keyAttr := params.Item["idempotency_key"]
	if keyAttr == nil {
		return nil, errors.New("missing key")
	}
	k := keyAttr.(*types.AttributeValueMemberS).Value

	if params.ConditionExpression != nil && *params.ConditionExpression == obtainCondition {
		if existing, ok := m.table[k]; ok {
			now, _ := numAttr(params.ExpressionAttributeValues, ":now")
			failed := strAttr(existing, "status") == StatusFailed
			lockExp, hasLock := numAttr(existing, "lock_expires_at")
			exp, hasExp := numAttr(existing, "expires_at")
			if !failed && !(hasLock && lockExp < now) && !(hasExp && exp < now) {
				return nil, &types.ConditionalCheckFailedException{}
			}
		}
	}
	m.table[k] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *simpleMock) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.failAll != nil {
		return nil, m.failAll
	}
	keyAttr := params.Key["idempotency_key"]
	if keyAttr == nil {
		return nil, errors.New("missing key")
	}
	k := keyAttr.(*types.AttributeValueMemberS).Value
	item, ok := m.table[k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *simpleMock) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	if m.failAll != nil {
		return nil, m.failAll
	}
	keyAttr := params.Key["idempotency_key"]
	if keyAttr == nil {
		return nil, errors.New("missing key")
	}
	k := keyAttr.(*types.AttributeValueMemberS).Value
	item, ok := m.table[k]

	if params.ConditionExpression != nil && *params.ConditionExpression == releaseCondition {
		if !ok ||
			strAttr(item, "status") != StatusInProgress ||
			strAttr(item, "lock_owner") != strAttr(params.ExpressionAttributeValues, ":owner") {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	if !ok {
		// UpdateItem upserts
		item = map[string]types.AttributeValue{"idempotency_key": keyAttr}
	}

	vals := params.ExpressionAttributeValues
	if v, ok := vals[":done"]; ok {
		item["status"] = v
		item["response_body"] = vals[":rb"]
		item["expires_at"] = vals[":exp"]
		if _, ok := item["created_at"]; !ok {
			item["created_at"] = vals[":ua"]
		}
	}
	if v, ok := vals[":failed"]; ok && params.ConditionExpression != nil {
		item["status"] = v
		item["note"] = vals[":n"]
	}
	if v, ok := vals[":ua"]; ok {
		item["updated_at"] = v
	}
	delete(item, "lock_owner")
	delete(item, "lock_expires_at")

	m.table[k] = item
	return &dyn.UpdateItemOutput{Attributes: item}, nil
}

func (m *simpleMock) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	return nil, errors.New("not used by the idempotency store")
}
