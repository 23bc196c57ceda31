package command

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/entitycache/pkg/types"
)

// sequentialIDs returns a generator yielding id-1, id-2, ...
func sequentialIDs() IDGenerator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func TestCreateDefaults(t *testing.T) {
	f := NewFactory(WithIDGenerator(sequentialIDs()))

	tests := []struct {
		kind         types.OpKind
		wantOptimism bool
		wantStrategy types.MergeStrategy
	}{
		{types.OpQueryAll, false, types.PreserveChanges},
		{types.OpQueryByKey, false, types.PreserveChanges},
		{types.OpQueryMany, false, types.PreserveChanges},
		{types.OpQueryLoad, false, types.PreserveChanges},
		{types.OpSaveAddOne, false, types.MergeUnset},
		{types.OpSaveUpdateOne, false, types.MergeUnset},
		{types.OpSaveDeleteOne, true, types.MergeUnset},
		{types.OpAddOne, false, types.MergeUnset},
		{types.OpRemoveAll, false, types.MergeUnset},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			cmd, err := f.Create("Hero", types.NewOp(tt.kind), nil)
			require.NoError(t, err)
			assert.Equal(t, "Hero", cmd.EntityName)
			assert.Equal(t, "Hero", cmd.Tag, "tag defaults to entity name")
			assert.NotEmpty(t, cmd.CorrelationID)
			assert.Equal(t, tt.wantOptimism, cmd.IsOptimistic)
			assert.Equal(t, tt.wantStrategy, cmd.MergeStrategy)
		})
	}
}

func TestCreateOptionsOverride(t *testing.T) {
	f := NewFactory()
	cmd, err := f.Create("Hero", types.NewOp(types.OpSaveAddOne), types.Entity{"id": 1},
		WithTag("Custom Hero Tag"),
		WithCorrelationID("retry-7"),
		WithOptimistic(true),
		WithMergeStrategy(types.IgnoreChanges),
	)
	require.NoError(t, err)
	assert.Equal(t, "Custom Hero Tag", cmd.Tag)
	assert.Equal(t, "retry-7", cmd.CorrelationID)
	assert.True(t, cmd.IsOptimistic)
	assert.Equal(t, types.IgnoreChanges, cmd.MergeStrategy)

	del, err := f.Create("Hero", types.NewOp(types.OpSaveDeleteOne), types.Key("42"), WithOptimistic(false))
	require.NoError(t, err)
	assert.False(t, del.IsOptimistic)
}

func TestCreateCorrelationIDsAreUnique(t *testing.T) {
	f := NewFactory()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		cmd, err := f.Create("Hero", types.NewOp(types.OpQueryAll), nil)
		require.NoError(t, err)
		assert.False(t, seen[cmd.CorrelationID], "duplicate correlation id")
		seen[cmd.CorrelationID] = true
	}
}

func TestCreateErrors(t *testing.T) {
	f := NewFactory()

	_, err := f.Create("", types.NewOp(types.OpQueryAll), nil)
	assert.ErrorIs(t, err, types.ErrInvalidEntityName)

	_, err = f.Create("Hero", types.Op{}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidOperation)

	_, err = f.Create("Hero", types.Op{Kind: types.OpAddOne, Outcome: types.OutcomeSuccess}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidOperation)
}

func TestCompletionRoundTrip(t *testing.T) {
	f := NewFactory()
	strategies := []types.MergeStrategy{types.MergeUnset, types.PreserveChanges, types.OverwriteChanges, types.IgnoreChanges}

	for _, kind := range types.AllKinds() {
		op := types.NewOp(kind)
		if !op.IsPersistable() {
			continue
		}
		for _, optimistic := range []bool{false, true} {
			for _, strategy := range strategies {
				name := fmt.Sprintf("%s/optimistic=%v/%s", op, optimistic, strategy)
				t.Run(name, func(t *testing.T) {
					orig, err := f.Create("Hero", op, "data",
						WithOptimistic(optimistic), WithMergeStrategy(strategy), WithTag("tagged"))
					require.NoError(t, err)

					success, err := f.Success(orig, "result")
					require.NoError(t, err)
					assert.Equal(t, op.String()+types.SuffixSuccess, success.Op.String())
					assert.Equal(t, "result", success.Data)
					assertCorrelated(t, orig, success)

					dsErr := types.NewDataServiceError(fmt.Errorf("boom"), nil)
					failure, err := f.Failure(orig, dsErr)
					require.NoError(t, err)
					assert.Equal(t, op.String()+types.SuffixError, failure.Op.String())
					data, ok := failure.Data.(types.ErrorData)
					require.True(t, ok)
					assert.Equal(t, orig, data.OriginalCommand)
					assert.Same(t, dsErr, data.Error)
					assertCorrelated(t, orig, failure)
				})
			}
		}
	}
}

func assertCorrelated(t *testing.T, orig, completion types.Command) {
	t.Helper()
	assert.Equal(t, orig.CorrelationID, completion.CorrelationID)
	assert.Equal(t, orig.EntityName, completion.EntityName)
	assert.Equal(t, orig.IsOptimistic, completion.IsOptimistic)
	assert.Equal(t, orig.MergeStrategy, completion.MergeStrategy)
	assert.Equal(t, orig.Tag, completion.Tag)
}

func TestCompletionOfCacheOnlyFails(t *testing.T) {
	f := NewFactory()
	cmd, err := f.Create("Hero", types.NewOp(types.OpRemoveAll), nil)
	require.NoError(t, err)

	_, err = f.Success(cmd, nil)
	assert.ErrorIs(t, err, types.ErrInvalidOperation)
	_, err = f.Failure(cmd, nil)
	assert.ErrorIs(t, err, types.ErrInvalidOperation)
}

func TestCreateFromAction(t *testing.T) {
	f := NewFactory()
	heroes := []types.Entity{{"id": 1, "name": "A"}, {"id": 2, "name": "B"}}

	action := types.Action{
		Type: "some/arbitrary/type/text",
		Payload: types.Command{
			EntityName:    "Hero",
			Op:            types.NewOp(types.OpQueryAll),
			CorrelationID: "corr-1",
		},
	}
	success, err := types.NewOp(types.OpQueryAll).Success()
	require.NoError(t, err)

	cmd, err := f.CreateFrom(action, success, heroes)
	require.NoError(t, err)
	assert.Equal(t, "Hero", cmd.EntityName)
	assert.Equal(t, "corr-1", cmd.CorrelationID)
	assert.Equal(t, "Hero", cmd.Tag)
	assert.Equal(t, success, cmd.Op)
	assert.Equal(t, heroes, cmd.Data)

	_, err = f.CreateFrom(types.Action{Type: "x"}, success, nil)
	assert.ErrorIs(t, err, types.ErrInvalidEntityName)
}
