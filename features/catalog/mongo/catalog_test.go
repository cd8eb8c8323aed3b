package mongo

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/agentsetup/runtime/setup/catalog"
)

func TestSearchFilter(t *testing.T) {
	f := searchFilter("ws", []string{"send", "e.mail"})
	require.Equal(t, "ws", f["scope"])
	or := f["$or"].(bson.A)
	require.Len(t, or, 6)
	re := or[3].(bson.M)["name"].(bson.Regex)
	require.Equal(t, `e\.mail`, re.Pattern)
	require.Equal(t, "i", re.Options)
}

func TestDocID(t *testing.T) {
	require.Equal(t, "global/send_email", docID("", "send_email"))
	require.Equal(t, "ws/send_email", docID("ws", "send_email"))
}

func TestNewValidates(t *testing.T) {
	_, err := New(context.Background(), Options{Database: "db"})
	require.EqualError(t, err, "mongo client is required")
}

func newMongoCatalog(t *testing.T) *Catalog {
	t.Helper()
	ctx := context.Background()
	var (
		container testcontainers.Container
		err       error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("docker not available: %v", r)
			}
		}()
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "mongo:7",
				ExposedPorts: []string{"27017/tcp"},
				WaitingFor:   wait.ForLog("Waiting for connections"),
				Tmpfs:        map[string]string{"/data/db": "rw"},
			},
			Started: true,
		})
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping MongoDB test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })
	endpoint, err := container.PortEndpoint(ctx, "27017/tcp", "mongodb")
	require.NoError(t, err)
	client, err := mongodriver.Connect(options.Client().ApplyURI(endpoint))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	c, err := New(ctx, Options{Client: client, Database: "agentsetup_test"})
	require.NoError(t, err)
	require.NoError(t, c.Ping(ctx))
	return c
}

func TestMongoCatalogUpsertAndSearch(t *testing.T) {
	c := newMongoCatalog(t)
	ctx := context.Background()

	require.ErrorIs(t, c.Upsert(ctx, catalog.Tool{Name: "x"}), catalog.ErrInvalidTool)
	require.NoError(t, c.Upsert(ctx, catalog.Tool{Name: "send_email", Integration: "gmail", Description: "Send an email"}))
	require.NoError(t, c.Upsert(ctx, catalog.Tool{Name: "create_issue", Integration: "jira", Description: "Open a ticket"}))
	require.NoError(t, c.Upsert(ctx, catalog.Tool{Name: "send_email", Integration: "outlook", Description: "Send mail", WorkspaceID: "ws"}))
	require.NoError(t, c.Upsert(ctx, catalog.Tool{Name: "send_email", Integration: "gmail", Description: "Send an email message"}))

	got, err := c.Search(ctx, catalog.Query{Text: "Action Type: notify\n Objective: send email to the customer"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "gmail", got[0].Integration)
	require.Equal(t, "Send an email message", got[0].Description)

	scoped, err := c.Search(ctx, catalog.Query{Text: "send email", WorkspaceID: "ws"})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	require.Equal(t, "outlook", scoped[0].Integration)

	none, err := c.Search(ctx, catalog.Query{Text: "the and of"})
	require.NoError(t, err)
	require.Empty(t, none)
}
