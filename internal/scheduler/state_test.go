package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type fakeStateDynamo struct {
	item            map[string]ddbtypes.AttributeValue
	consistentReads int
}

func (f *fakeStateDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if in.ConsistentRead != nil && *in.ConsistentRead {
		f.consistentReads++
	}
	return &dynamodb.GetItemOutput{Item: f.item}, nil
}

func (f *fakeStateDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.item = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

// --- State Store Tests ---

func TestStateRoundTrip(t *testing.T) {
	fd := &fakeStateDynamo{}
	st, err := NewDynamoState(fd, "scheduler-state")
	if err != nil {
		t.Fatalf("NewDynamoState: %v", err)
	}

	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := st.Save(context.Background(), want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("Load = %v, want %v", got, want)
	}
	if fd.consistentReads != 1 {
		t.Fatal("Load must use a consistent read")
	}
}

func TestStateLoadNeverRun(t *testing.T) {
	st, err := NewDynamoState(&fakeStateDynamo{}, "scheduler-state")
	if err != nil {
		t.Fatalf("NewDynamoState: %v", err)
	}
	got, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("Load = %v, want zero time before the first run", got)
	}
}
