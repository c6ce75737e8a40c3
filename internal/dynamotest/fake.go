// Package dynamotest is an in-memory fake of the narrow dynamostore.API
// surface, good enough to exercise the repository's and aggregator's actual
// generated UpdateExpression/ConditionExpression/KeyConditionExpression
// strings (built for real via the feature/dynamodb/expression package) in
// tests, without a local DynamoDB process. It deliberately implements only
// the subset of expression grammar this module's own code ever generates —
// flat AND/OR chains of attribute_exists/attribute_not_exists/comparisons,
// and flat SET/ADD update sections — not the full DynamoDB expression
// language.
package dynamotest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type itemKey struct{ pk, sk string }

// Fake is an in-memory, single-table DynamoDB stand-in.
type Fake struct {
	mu    sync.Mutex
	items map[itemKey]map[string]types.AttributeValue
}

// New creates an empty Fake table.
func New() *Fake {
	return &Fake{items: make(map[itemKey]map[string]types.AttributeValue)}
}

func keyOf(item map[string]types.AttributeValue) itemKey {
	return itemKey{pk: strVal(item["PK"]), sk: strVal(item["SK"])}
}

func strVal(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

// Seed directly inserts an item, bypassing any condition — for test setup.
func (f *Fake) Seed(item map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[keyOf(item)] = cloneItem(item)
}

// Get returns a copy of the raw item at (pk, sk), for test assertions.
func (f *Fake) Get(pk, sk string) (map[string]types.AttributeValue, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[itemKey{pk: pk, sk: sk}]
	if !ok {
		return nil, false
	}
	return cloneItem(item), true
}

func cloneItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func (f *Fake) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := itemKey{pk: strVal(in.Key["PK"]), sk: strVal(in.Key["SK"])}
	item, ok := f.items[k]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: cloneItem(item)}, nil
}

func (f *Fake) BatchGetItem(_ context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := &dynamodb.BatchGetItemOutput{Responses: map[string][]map[string]types.AttributeValue{}}
	for table, kas := range in.RequestItems {
		var found []map[string]types.AttributeValue
		for _, key := range kas.Keys {
			k := itemKey{pk: strVal(key["PK"]), sk: strVal(key["SK"])}
			if item, ok := f.items[k]; ok {
				found = append(found, cloneItem(item))
			}
		}
		out.Responses[table] = found
	}
	return out, nil
}

func (f *Fake) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, exists := f.items[keyOf(in.Item)]
	ok, err := evalCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, existing, exists)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed(existing)
	}
	f.items[keyOf(in.Item)] = cloneItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *Fake) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := itemKey{pk: strVal(in.Key["PK"]), sk: strVal(in.Key["SK"])}
	existing, exists := f.items[k]
	ok, err := evalCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, existing, exists)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed(existing)
	}
	delete(f.items, k)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *Fake) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := itemKey{pk: strVal(in.Key["PK"]), sk: strVal(in.Key["SK"])}
	existing, exists := f.items[k]

	ok, err := evalCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, existing, exists)
	if err != nil {
		return nil, err
	}
	if !ok {
		out := &dynamodb.UpdateItemOutput{}
		return out, conditionFailedWithOld(existing, exists, in.ReturnValuesOnConditionCheckFailure)
	}

	base := map[string]types.AttributeValue{}
	if exists {
		base = cloneItem(existing)
	}
	for k, v := range in.Key {
		base[k] = v
	}

	oldCopy := cloneItem(base)

	newItem, err := applyUpdate(base, in.UpdateExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	f.items[k] = newItem

	out := &dynamodb.UpdateItemOutput{}
	switch in.ReturnValues {
	case types.ReturnValueAllNew:
		out.Attributes = cloneItem(newItem)
	case types.ReturnValueAllOld:
		if exists {
			out.Attributes = oldCopy
		}
	}
	return out, nil
}

func (f *Fake) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Validate all conditions first (all-or-nothing).
	for _, w := range in.TransactItems {
		switch {
		case w.Update != nil:
			u := w.Update
			k := itemKey{pk: strVal(u.Key["PK"]), sk: strVal(u.Key["SK"])}
			existing, exists := f.items[k]
			ok, err := evalCondition(u.ConditionExpression, u.ExpressionAttributeNames, u.ExpressionAttributeValues, existing, exists)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, &types.TransactionCanceledException{Message: strPtr("ConditionalCheckFailed")}
			}
		case w.Put != nil:
			p := w.Put
			existing, exists := f.items[keyOf(p.Item)]
			ok, err := evalCondition(p.ConditionExpression, p.ExpressionAttributeNames, p.ExpressionAttributeValues, existing, exists)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, &types.TransactionCanceledException{Message: strPtr("ConditionalCheckFailed")}
			}
		}
	}

	// Apply.
	for _, w := range in.TransactItems {
		switch {
		case w.Update != nil:
			u := w.Update
			k := itemKey{pk: strVal(u.Key["PK"]), sk: strVal(u.Key["SK"])}
			existing := f.items[k]
			base := map[string]types.AttributeValue{}
			if existing != nil {
				base = cloneItem(existing)
			}
			for kk, v := range u.Key {
				base[kk] = v
			}
			newItem, _ := applyUpdate(base, u.UpdateExpression, u.ExpressionAttributeNames, u.ExpressionAttributeValues)
			f.items[k] = newItem
		case w.Put != nil:
			f.items[keyOf(w.Put.Item)] = cloneItem(w.Put.Item)
		case w.Delete != nil:
			d := w.Delete
			delete(f.items, itemKey{pk: strVal(d.Key["PK"]), sk: strVal(d.Key["SK"])})
		}
	}

	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *Fake) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pkAttr, pkVal, skPrefix, skAttr, err := parseKeyCondition(in.KeyConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}

	var matched []map[string]types.AttributeValue
	for _, item := range f.items {
		av, ok := item[pkAttr]
		if !ok || strVal(av) != pkVal {
			continue
		}
		if skAttr != "" && skPrefix != "" {
			skv, ok := item[skAttr]
			if !ok || !strings.HasPrefix(strVal(skv), skPrefix) {
				continue
			}
		}
		matched = append(matched, cloneItem(item))
	}

	return &dynamodb.QueryOutput{Items: matched, Count: int32(len(matched))}, nil
}

func strPtr(s string) *string { return &s }

func conditionFailed(existing map[string]types.AttributeValue) error {
	return &types.ConditionalCheckFailedException{Message: strPtr("ConditionalCheckFailed")}
}

func conditionFailedWithOld(existing map[string]types.AttributeValue, exists bool, rv types.ReturnValuesOnConditionCheckFailure) error {
	err := &types.ConditionalCheckFailedException{Message: strPtr("ConditionalCheckFailed")}
	if rv == types.ReturnValuesOnConditionCheckFailureAllOld && exists {
		err.Item = cloneItem(existing)
	}
	return err
}

// --- expression evaluation -------------------------------------------------

// funcArg extracts the single argument of a "fnName(arg)" or
// "fnName (arg)" call (DynamoDB's expression builder inserts a space
// before the parenthesis for some function names).
func funcArg(clause, fnName string) string {
	rest := strings.TrimSpace(strings.TrimPrefix(clause, fnName))
	rest = strings.TrimPrefix(rest, "(")
	rest = strings.TrimSuffix(rest, ")")
	return strings.TrimSpace(rest)
}

func resolveName(token string, names map[string]string) string {
	if strings.HasPrefix(token, "#") {
		if n, ok := names[token]; ok {
			return n
		}
	}
	return token
}

func resolveValue(token string, values map[string]types.AttributeValue) types.AttributeValue {
	if v, ok := values[token]; ok {
		return v
	}
	return nil
}

func numOf(av types.AttributeValue) (int64, bool) {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// splitTopLevelKeyword splits expr on the given keyword (" AND " / " OR "),
// respecting one level of parenthesis nesting so a clause like
// "(a = :a) AND (b = :b)" isn't mis-split on an AND/OR appearing inside a
// nested function call (none of our generated clauses nest this deep, but
// the split is written to be safe regardless).
func splitTopLevelKeyword(expr, keyword string) []string {
	var parts []string
	depth := 0
	last := 0
	for i := 0; i+len(keyword) <= len(expr); i++ {
		switch expr[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 && expr[i:i+len(keyword)] == keyword {
			parts = append(parts, expr[last:i])
			last = i + len(keyword)
			i += len(keyword) - 1
		}
	}
	parts = append(parts, expr[last:])
	return parts
}

// unwrapParens strips one enclosing layer of parentheses, if the clause is
// wrapped in exactly one balanced pair spanning its full length.
func unwrapParens(clause string) string {
	clause = strings.TrimSpace(clause)
	if len(clause) < 2 || clause[0] != '(' || clause[len(clause)-1] != ')' {
		return clause
	}
	depth := 0
	for i, c := range clause {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 && i != len(clause)-1 {
				return clause // the first '(' closes before the end — not a single wrap
			}
		}
	}
	return strings.TrimSpace(clause[1 : len(clause)-1])
}

// evalCondition evaluates a flat AND/OR chain of:
//
//	attribute_exists(#name)
//	attribute_not_exists(#name)
//	#name = :val
//	#name >= :val
//	#name < :val
func evalCondition(expr *string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue, exists bool) (bool, error) {
	if expr == nil || *expr == "" {
		return true, nil
	}

	e := unwrapParens(*expr)

	if orParts := splitTopLevelKeyword(e, " OR "); len(orParts) > 1 {
		for _, clause := range orParts {
			ok, err := evalCondition(strPtr(strings.TrimSpace(clause)), names, values, item, exists)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	clauses := splitTopLevelKeyword(e, " AND ")
	for _, clause := range clauses {
		clause = unwrapParens(clause)
		ok, err := evalSingleCondition(clause, names, values, item, exists)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalSingleCondition(clause string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue, exists bool) (bool, error) {
	clause = strings.TrimSpace(clause)
	switch {
	case strings.HasPrefix(clause, "attribute_exists"):
		name := funcArg(clause, "attribute_exists")
		attr := resolveName(name, names)
		if attr == "PK" {
			return exists, nil
		}
		_, ok := item[attr]
		return ok, nil
	case strings.HasPrefix(clause, "attribute_not_exists"):
		name := funcArg(clause, "attribute_not_exists")
		attr := resolveName(name, names)
		_, ok := item[attr]
		return !ok, nil
	case strings.Contains(clause, ">="):
		parts := strings.SplitN(clause, ">=", 2)
		return compareNumeric(parts[0], parts[1], names, values, item, ">=")
	case strings.Contains(clause, "<"):
		parts := strings.SplitN(clause, "<", 2)
		return compareNumeric(parts[0], parts[1], names, values, item, "<")
	case strings.Contains(clause, "="):
		parts := strings.SplitN(clause, "=", 2)
		return compareEqual(parts[0], parts[1], names, values, item)
	default:
		return false, fmt.Errorf("dynamotest: unsupported condition clause %q", clause)
	}
}

func compareNumeric(lhs, rhs string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue, op string) (bool, error) {
	attr := resolveName(strings.TrimSpace(lhs), names)
	want := resolveValue(strings.TrimSpace(rhs), values)
	wantN, ok := numOf(want)
	if !ok {
		return false, fmt.Errorf("dynamotest: expected numeric value in clause %q%q", lhs, rhs)
	}
	gotAV, ok := item[attr]
	if !ok {
		return false, nil
	}
	gotN, ok := numOf(gotAV)
	if !ok {
		return false, nil
	}
	switch op {
	case ">=":
		return gotN >= wantN, nil
	case "<":
		return gotN < wantN, nil
	default:
		return false, fmt.Errorf("dynamotest: unsupported operator %q", op)
	}
}

func compareEqual(lhs, rhs string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (bool, error) {
	attr := resolveName(strings.TrimSpace(lhs), names)
	want := resolveValue(strings.TrimSpace(rhs), values)
	got, ok := item[attr]
	if !ok {
		return want == nil, nil
	}
	if wn, ok := numOf(want); ok {
		gn, ok := numOf(got)
		return ok && gn == wn, nil
	}
	if ws, ok := want.(*types.AttributeValueMemberS); ok {
		gs, ok := got.(*types.AttributeValueMemberS)
		return ok && gs.Value == ws.Value, nil
	}
	return false, nil
}

// applyUpdate applies a flat "SET a = :v, b = :v2 ADD c :v3, d :v4" style
// UpdateExpression (SET and ADD sections, in either order, each optional).
func applyUpdate(item map[string]types.AttributeValue, expr *string, names map[string]string, values map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	if expr == nil {
		return item, nil
	}

	out := cloneItem(item)

	remaining := *expr
	for _, keyword := range []string{"SET", "ADD", "REMOVE"} {
		idx := strings.Index(remaining, keyword+" ")
		if idx < 0 {
			continue
		}
		// Section runs until the next top-level keyword or end of string.
		section := remaining[idx+len(keyword)+1:]
		end := len(section)
		for _, nextKw := range []string{" SET ", " ADD ", " REMOVE "} {
			if j := strings.Index(section, nextKw); j >= 0 && j < end {
				end = j
			}
		}
		section = section[:end]

		switch keyword {
		case "SET":
			if err := applySet(out, section, names, values); err != nil {
				return nil, err
			}
		case "ADD":
			if err := applyAdd(out, section, names, values); err != nil {
				return nil, err
			}
		case "REMOVE":
			applyRemove(out, section, names)
		}
	}

	return out, nil
}

func applySet(item map[string]types.AttributeValue, section string, names map[string]string, values map[string]types.AttributeValue) error {
	for _, assignment := range splitTopLevel(section) {
		parts := strings.SplitN(assignment, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("dynamotest: malformed SET assignment %q", assignment)
		}
		attr := resolveName(strings.TrimSpace(parts[0]), names)
		v := resolveValue(strings.TrimSpace(parts[1]), values)
		if v != nil {
			item[attr] = v
		}
	}
	return nil
}

func applyAdd(item map[string]types.AttributeValue, section string, names map[string]string, values map[string]types.AttributeValue) error {
	for _, assignment := range splitTopLevel(section) {
		fields := strings.Fields(assignment)
		if len(fields) != 2 {
			return fmt.Errorf("dynamotest: malformed ADD clause %q", assignment)
		}
		attr := resolveName(fields[0], names)
		delta := resolveValue(fields[1], values)
		deltaN, ok := numOf(delta)
		if !ok {
			return fmt.Errorf("dynamotest: ADD only supports numeric deltas, got %q", assignment)
		}
		current := int64(0)
		if cv, ok := item[attr]; ok {
			current, _ = numOf(cv)
		}
		item[attr] = &types.AttributeValueMemberN{Value: strconv.FormatInt(current+deltaN, 10)}
	}
	return nil
}

func applyRemove(item map[string]types.AttributeValue, section string, names map[string]string) {
	for _, attr := range splitTopLevel(section) {
		delete(item, resolveName(strings.TrimSpace(attr), names))
	}
}

func splitTopLevel(s string) []string {
	var parts []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// parseKeyCondition supports "#0 = :0" and "#0 = :0 AND begins_with(#1, :1)".
func parseKeyCondition(expr *string, names map[string]string, values map[string]types.AttributeValue) (pkAttr, pkVal, skPrefix, skAttr string, err error) {
	if expr == nil {
		return "", "", "", "", fmt.Errorf("dynamotest: Query requires KeyConditionExpression")
	}

	parts := splitTopLevelKeyword(unwrapParens(*expr), " AND ")
	eq := strings.SplitN(unwrapParens(parts[0]), "=", 2)
	if len(eq) != 2 {
		return "", "", "", "", fmt.Errorf("dynamotest: unsupported KeyConditionExpression %q", *expr)
	}
	pkAttr = resolveName(strings.TrimSpace(eq[0]), names)
	pkAV := resolveValue(strings.TrimSpace(eq[1]), values)
	pkVal = strVal(pkAV)

	if len(parts) == 2 {
		bw := unwrapParens(parts[1])
		if strings.HasPrefix(bw, "begins_with") {
			inner := funcArg(bw, "begins_with")
			args := strings.SplitN(inner, ",", 2)
			skAttr = resolveName(strings.TrimSpace(args[0]), names)
			skPrefix = strVal(resolveValue(strings.TrimSpace(args[1]), values))
		}
	}

	return pkAttr, pkVal, skPrefix, skAttr, nil
}
