package source

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"initsync/internal/cloner"
)

// Membership reads the replica set view of the local node.
type Membership struct {
	client *mongo.Client
}

var _ cloner.Membership = (*Membership)(nil)

func NewMembership(client *mongo.Client) *Membership {
	return &Membership{client: client}
}

type replSetStatus struct {
	Members []replSetMember `bson:"members"`
}

type replSetMember struct {
	Name string `bson:"name"`
	Self bool   `bson:"self"`
}

func (m *Membership) OtherMembers(ctx context.Context) ([]string, error) {
	var status replSetStatus
	err := m.client.Database(adminDB).
		RunCommand(ctx, bson.D{{Key: "replSetGetStatus", Value: 1}}).
		Decode(&status)
	if err != nil {
		return nil, fmt.Errorf("failed to get replica set status: %w", err)
	}
	return status.otherMembers(), nil
}

func (s replSetStatus) otherMembers() []string {
	others := make([]string, 0, len(s.Members))
	for _, member := range s.Members {
		if member.Self {
			continue
		}
		others = append(others, member.Name)
	}
	return others
}
