package acl

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ownerIdentity = "alice.example.org"

// testCaller is a fixed-value CallerContext for authorizer tests.
type testCaller struct {
	owner         bool
	identity      string
	authenticated bool
	circles       []uuid.UUID
	connectedTo   map[string]bool
}

func (c *testCaller) IsOwner() bool                { return c.owner }
func (c *testCaller) Identity() string             { return c.identity }
func (c *testCaller) IsNetworkAuthenticated() bool { return c.authenticated }
func (c *testCaller) CircleIDs() []uuid.UUID       { return c.circles }
func (c *testCaller) IsConnectedTo(identity string) bool {
	return c.connectedTo[identity]
}

func connectedCaller(identity string, circles ...uuid.UUID) *testCaller {
	return &testCaller{
		identity:      identity,
		authenticated: true,
		circles:       circles,
		connectedTo:   map[string]bool{ownerIdentity: true},
	}
}

func TestCallerHasPermission_OwnerBypass(t *testing.T) {
	auth := NewAuthorizer(ownerIdentity)
	owner := &testCaller{owner: true}

	// Owner passes regardless of ACL content, including a nil ACL.
	assert.True(t, auth.CallerHasPermission(nil, owner))
	assert.True(t, auth.CallerHasPermission(&List{RequiredSecurityGroup: CustomList}, owner))
	assert.True(t, auth.CallerHasPermission(&List{RequiredSecurityGroup: Owner}, owner))
}

func TestCallerHasPermission_NilACLFailsClosed(t *testing.T) {
	auth := NewAuthorizer(ownerIdentity)
	assert.False(t, auth.CallerHasPermission(nil, connectedCaller("bob.example.org")))
	assert.False(t, auth.CallerHasPermission(nil, &testCaller{}))
}

func TestCallerHasPermission_SecurityGroups(t *testing.T) {
	auth := NewAuthorizer(ownerIdentity)
	circle := uuid.New()
	otherCircle := uuid.New()

	anonymous := &testCaller{}
	authenticated := &testCaller{identity: "bob.example.org", authenticated: true}
	connected := connectedCaller("bob.example.org")
	inCircle := connectedCaller("bob.example.org", circle)

	tests := []struct {
		name   string
		list   List
		caller CallerContext
		want   bool
	}{
		{"anonymous allows anyone", List{RequiredSecurityGroup: Anonymous}, anonymous, true},
		{"authenticated rejects anonymous", List{RequiredSecurityGroup: Authenticated}, anonymous, false},
		{"authenticated allows participant", List{RequiredSecurityGroup: Authenticated}, authenticated, true},
		{"connected rejects unconnected", List{RequiredSecurityGroup: Connected}, authenticated, false},
		{"connected allows connection", List{RequiredSecurityGroup: Connected}, connected, true},
		{"circle requires membership", List{RequiredSecurityGroup: CircleConnected, CircleIDs: []uuid.UUID{circle}}, connected, false},
		{"circle allows member", List{RequiredSecurityGroup: CircleConnected, CircleIDs: []uuid.UUID{circle}}, inCircle, true},
		{"circle wrong circle denies", List{RequiredSecurityGroup: CircleConnected, CircleIDs: []uuid.UUID{otherCircle}}, inCircle, false},
		{"empty circle list denies everyone", List{RequiredSecurityGroup: CircleConnected}, inCircle, false},
		{"custom list allows listed identity", List{RequiredSecurityGroup: CustomList, IdentityList: []string{"bob.example.org"}}, authenticated, true},
		{"custom list is case-insensitive", List{RequiredSecurityGroup: CustomList, IdentityList: []string{"BOB.Example.ORG"}}, authenticated, true},
		{"custom list denies unlisted", List{RequiredSecurityGroup: CustomList, IdentityList: []string{"carol.example.org"}}, authenticated, false},
		{"empty custom list denies everyone", List{RequiredSecurityGroup: CustomList}, authenticated, false},
		{"custom list requires authentication", List{RequiredSecurityGroup: CustomList, IdentityList: []string{"bob.example.org"}}, anonymous, false},
		{"owner-level ACL denies non-owner", List{RequiredSecurityGroup: Owner}, connected, false},
		{"unknown group denies", List{RequiredSecurityGroup: SecurityGroup(42)}, connected, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, auth.CallerHasPermission(&tt.list, tt.caller))
		})
	}
}

func TestAssertCallerHasPermission(t *testing.T) {
	auth := NewAuthorizer(ownerIdentity)
	caller := connectedCaller("bob.example.org")

	assert.NoError(t, auth.AssertCallerHasPermission(&List{RequiredSecurityGroup: Connected}, caller))

	err := auth.AssertCallerHasPermission(&List{RequiredSecurityGroup: CustomList}, caller)
	require.Error(t, err)
	var serr *SecurityError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "bob.example.org", serr.Identity)
	assert.Equal(t, CustomList, serr.Required)
}
