package perms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/databroker/errors"
	brokertest "github.com/teranos/databroker/internal/testing"
)

func TestSet_Implied(t *testing.T) {
	s := NewSet(Submit)
	assert.True(t, s.Has(Submit))
	assert.True(t, s.Has(Write))
	assert.True(t, s.Has(Read))
	assert.False(t, s.Has(FABS))
	assert.Equal(t, "reader,submitter,writer", s.String())
}

func TestParseSet(t *testing.T) {
	s, err := ParseSet(" fabs , writer,")
	require.NoError(t, err)
	assert.True(t, s.Has(FABS))
	assert.True(t, s.Has(Read))
	assert.False(t, s.Has(Submit))

	_, err = ParseSet("reader,owner")
	assert.True(t, errors.IsConfiguration(err))
}

func TestUser_Can(t *testing.T) {
	u := &User{
		ID: 3,
		Affiliations: []Affiliation{
			{Agency: Agency{CGACCode: "097"}, Capabilities: NewSet(Submit)},
			{Agency: Agency{FRECCode: "1601"}, Capabilities: NewSet(Read)},
		},
	}

	assert.True(t, u.Can(Submit, Agency{CGACCode: "097"}))
	assert.False(t, u.Can(Submit, Agency{CGACCode: "020"}))
	assert.True(t, u.Can(Read, Agency{FRECCode: "1601"}))
	assert.False(t, u.Can(Submit, Agency{FRECCode: "1601"}))

	err := u.Require(Submit, Agency{CGACCode: "020"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrForbidden))

	admin := &User{ID: 1, WebsiteAdmin: true}
	assert.True(t, admin.Can(FABS, Agency{CGACCode: "020"}))

	var nobody *User
	assert.False(t, nobody.Can(Read, Agency{CGACCode: "097"}))
	assert.Error(t, nobody.Require(Read, Agency{CGACCode: "097"}))
}

func TestStore_RoundTrip(t *testing.T) {
	db := brokertest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	id, err := store.CreateUser(ctx, &User{
		Name:  "Certifier",
		Email: "certifier@agency.gov",
		Affiliations: []Affiliation{
			{Agency: Agency{CGACCode: "097"}, Capabilities: NewSet(Submit)},
		},
	})
	require.NoError(t, err)

	u, err := store.User(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Certifier", u.Name)
	require.Len(t, u.Affiliations, 1)
	assert.True(t, u.Can(Submit, Agency{CGACCode: "097"}))

	_, err = store.User(ctx, 999)
	assert.True(t, errors.IsNotFoundError(err))

	_, err = store.CreateUser(ctx, &User{Name: "Again", Email: "certifier@agency.gov"})
	assert.True(t, errors.Is(err, errors.ErrConflict), "email is unique")
}
