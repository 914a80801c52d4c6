package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/mdscrape/internal/download"
	"github.com/JakeFAU/mdscrape/internal/notify"
	"github.com/JakeFAU/mdscrape/internal/report"
)

func fakeServer(t *testing.T) (*pstest.Server, option.ClientOption) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return srv, option.WithGRPCConn(conn)
}

func TestPublishSendsNotice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv, conn := fakeServer(t)
	client, err := pubsub.NewClient(ctx, "proj", conn)
	require.NoError(t, err)
	defer client.Close()
	topic, err := client.CreateTopic(ctx, "runs")
	require.NoError(t, err)

	pub := New(topic, nil)
	doc := report.Document{
		Mode:       "chapter",
		ResourceID: 1234,
		RunReport: download.RunReport{
			RunID:      uuid.MustParse("6f1c2f1e-2f6e-4f3a-9d1e-0a3c5b7d9e11"),
			FinishedAt: time.Unix(1700000000, 0).UTC(),
			Summary:    download.Summary{Total: 2, Succeeded: 1, FailedPermanent: 1},
			Outcomes:   make([]download.Outcome, 2),
		},
	}
	require.NoError(t, pub.Publish(ctx, doc))
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "chapter", msgs[0].Attributes["mode"])
	assert.Equal(t, "1234", msgs[0].Attributes["resource_id"])
	assert.Equal(t, doc.RunID.String(), msgs[0].Attributes["run_id"])

	var notice notify.Notice
	require.NoError(t, json.Unmarshal(msgs[0].Data, &notice))
	assert.Equal(t, doc.RunID, notice.RunID)
	assert.Equal(t, 1, notice.Summary.FailedPermanent)
}

func TestDialRejectsMissingTopic(t *testing.T) {
	t.Parallel()

	_, conn := fakeServer(t)
	_, err := Dial(context.Background(), Config{ProjectID: "proj", TopicID: "absent"}, nil, conn)
	require.ErrorContains(t, err, "does not exist")
}

func TestDialRequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := Dial(context.Background(), Config{}, nil)
	require.Error(t, err)
}

func TestPublishWithoutTopic(t *testing.T) {
	t.Parallel()

	require.Error(t, New(nil, nil).Publish(context.Background(), report.Document{}))
}
