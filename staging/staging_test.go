package staging

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/databroker/errors"
	brokertest "github.com/teranos/databroker/internal/testing"
	"github.com/teranos/databroker/internal/util"
)

func TestRecord_TypedAccessors(t *testing.T) {
	rec := &Record{RowNumber: 1, Values: map[string]*string{
		"amount":  util.Ptr(" 1,234.50 "),
		"count":   util.Ptr("12"),
		"when":    util.Ptr("20240131"),
		"blank":   util.Ptr("   "),
		"missing": nil,
		"bad":     util.Ptr("12x"),
	}}

	d, ok, err := rec.Decimal("amount")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, d.Equal(decimal.RequireFromString("1234.5")))

	n, ok, err := rec.Int("count")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(12), n)

	when, ok, err := rec.Date("when")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 31, when.Day())

	assert.True(t, rec.IsNull("blank"))
	assert.True(t, rec.IsNull("missing"))
	assert.True(t, rec.IsNull("not_a_column"))

	_, ok, err = rec.Decimal("missing")
	assert.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = rec.Decimal("bad")
	assert.Error(t, err)
	assert.True(t, ok)
}

func TestRecord_DecimalNotation(t *testing.T) {
	for value, valid := range map[string]bool{
		"10":       true,
		"-10.25":   true,
		"+0.5":     true,
		".5":       true,
		"10.":      true,
		"1,000.00": true,
		"1e3":      false,
		"1E-2":     false,
		"2.5e+10":  false,
		"0x10":     false,
		"--1":      false,
		"1.2.3":    false,
		"12 345":   false,
		"Infinity": false,
	} {
		rec := &Record{Values: map[string]*string{"amount": util.Ptr(value)}}
		_, _, err := rec.Decimal("amount")
		assert.Equal(t, valid, err == nil, "%q", value)
	}
}

func TestSliceIterator(t *testing.T) {
	it := NewSliceIterator([]string{"a"}, []*Record{{RowNumber: 1}, {RowNumber: 2}})
	assert.Nil(t, it.Record())

	var rows []int
	for it.Next() {
		rows = append(rows, it.Record().RowNumber)
	}
	assert.Equal(t, []int{1, 2}, rows)
	assert.False(t, it.Next())
	assert.NoError(t, it.Err())
}

func newJob(t *testing.T) (*Loader, *Store, int64, int64) {
	t.Helper()
	db := brokertest.CreateTestDB(t)
	submissionID := brokertest.InsertSubmission(t, db, brokertest.Submission{})
	jobID := brokertest.InsertJob(t, db, submissionID, "validation", "waiting", "program_activity")
	return NewLoader(db, zaptest.NewLogger(t).Sugar()), NewStore(db, 2), submissionID, jobID
}

func TestLoader_StageAndFetchPaged(t *testing.T) {
	loader, store, _, jobID := newJob(t)
	ctx := context.Background()

	csv := "\ufeffObject_Class, Obligations_Undelivered_Or_FYB\n" +
		"110,10.00\n" +
		"120,\n" +
		"\n" +
		"130,5.5\n"

	res, err := loader.Stage(ctx, jobID, "fileB.csv", []byte(csv))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rows)
	assert.False(t, res.Skipped)

	it, err := store.Fetch(ctx, jobID)
	require.NoError(t, err)
	defer it.Close()

	assert.Equal(t, []string{"object_class", "obligations_undelivered_or_fyb"}, it.Headers())

	var rows []int
	var classes []string
	for it.Next() {
		rec := it.Record()
		rows = append(rows, rec.RowNumber)
		v, _ := rec.Value("object_class")
		classes = append(classes, v)
		assert.Equal(t, jobID, rec.JobID)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []int{1, 2, 4}, rows, "the empty line is not staged but keeps its number")
	assert.Equal(t, []string{"110", "120", "130"}, classes)

	// Fetch is restartable
	again, err := store.Fetch(ctx, jobID)
	require.NoError(t, err)
	require.True(t, again.Next())
	assert.Equal(t, 1, again.Record().RowNumber)
	assert.False(t, again.Record().IsNull("obligations_undelivered_or_fyb"))
}

func TestLoader_SkipsIdenticalContent(t *testing.T) {
	loader, store, _, jobID := newJob(t)
	ctx := context.Background()
	data := []byte("a|b\n1|2\n")

	first, err := loader.Stage(ctx, jobID, "file.txt", data)
	require.NoError(t, err)
	second, err := loader.Stage(ctx, jobID, "file.txt", data)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.Checksum, second.Checksum)

	f, err := store.File(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, f.Headers, "pipe delimiter detected from the header")
	assert.Equal(t, 1, f.RowCount)

	// Different content replaces the staged rows
	_, err = loader.Stage(ctx, jobID, "file.txt", []byte("a|b\n1|2\n3|4\n"))
	require.NoError(t, err)
	f, err = store.File(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 2, f.RowCount)
}

func TestLoader_RowNumbersMatchTheFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    map[string]int
	}{
		{
			name:    "row of empty cells",
			content: "object_class,amount\n110,1\n,\n130,3\n",
			want:    map[string]int{"110": 1, "130": 3},
		},
		{
			name:    "empty and whitespace lines",
			content: "object_class,amount\n\n110,1\n  ,  \n\n130,3",
			want:    map[string]int{"110": 2, "130": 5},
		},
		{
			name:    "quoted cell spanning lines is one row",
			content: "object_class,note\n110,\"two\nlines\"\n120,x\n\n130,y\n",
			want:    map[string]int{"110": 1, "120": 2, "130": 4},
		},
		{
			name:    "blank lines above the header",
			content: "\n\nobject_class|amount\n110|1\n\n130|3\n",
			want:    map[string]int{"110": 1, "130": 3},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader, store, _, jobID := newJob(t)
			ctx := context.Background()

			res, err := loader.Stage(ctx, jobID, "fileB.csv", []byte(tt.content))
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), res.Rows)

			it, err := store.Fetch(ctx, jobID)
			require.NoError(t, err)
			defer it.Close()
			got := map[string]int{}
			for it.Next() {
				v, _ := it.Record().Value("object_class")
				got[v] = it.Record().RowNumber
			}
			require.NoError(t, it.Err())
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoader_Spreadsheet(t *testing.T) {
	loader, store, _, jobID := newJob(t)
	ctx := context.Background()

	wb := excelize.NewFile()
	sheet := wb.GetSheetName(0)
	require.NoError(t, wb.SetSheetRow(sheet, "A1", &[]interface{}{"FAIN", "URI"}))
	require.NoError(t, wb.SetSheetRow(sheet, "A2", &[]interface{}{"F-1", ""}))
	require.NoError(t, wb.SetSheetRow(sheet, "A4", &[]interface{}{"F-3", "U-3"}))
	buf, err := wb.WriteToBuffer()
	require.NoError(t, err)

	res, err := loader.Stage(ctx, jobID, "fabs.xlsx", buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rows)

	it, err := store.Fetch(ctx, jobID)
	require.NoError(t, err)
	require.True(t, it.Next())
	fain, ok := it.Record().Value("fain")
	assert.True(t, ok)
	assert.Equal(t, "F-1", fain)
	assert.True(t, it.Record().IsNull("uri"))
	assert.Equal(t, 1, it.Record().RowNumber)

	require.True(t, it.Next())
	assert.Equal(t, 3, it.Record().RowNumber, "sheet row 4 is data row 3")
}

func TestLoader_RejectsBadInput(t *testing.T) {
	loader, _, _, jobID := newJob(t)
	ctx := context.Background()

	_, err := loader.Stage(ctx, jobID, "file.pdf", []byte("%PDF"))
	assert.True(t, errors.IsClientInput(err))

	_, err = loader.Stage(ctx, jobID, "file.csv", []byte("\n\n"))
	assert.True(t, errors.IsClientInput(err))
}

func TestStore_FetchNotFound(t *testing.T) {
	_, store, _, jobID := newJob(t)
	_, err := store.Fetch(context.Background(), jobID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStore_FetchCancelled(t *testing.T) {
	loader, store, _, jobID := newJob(t)
	_, err := loader.Stage(context.Background(), jobID, "f.csv", []byte("a\n1\n2\n3\n"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	it, err := store.Fetch(ctx, jobID)
	require.NoError(t, err)
	require.True(t, it.Next())
	require.True(t, it.Next())
	cancel()

	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), context.Canceled)
}

func TestReference(t *testing.T) {
	db := brokertest.CreateTestDB(t)
	ctx := context.Background()
	ref := NewReference(db)

	_, err := db.Exec(`INSERT INTO agencies (cgac_code, agency_name) VALUES ('097', 'Department of Defense')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO sub_tier_agencies (sub_tier_agency_code, cgac_code, sub_tier_agency_name) VALUES ('1700', '097', 'Navy')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO published_awards (afa_generated_unique, fain, is_active) VALUES
		('ABC_-NONE-_1', 'F1', 0), ('abc_-none-_1', 'F1', 1), ('OLD_-NONE-_2', 'F2', 0)`)
	require.NoError(t, err)

	ok, err := ref.AgencyExists(ctx, "097")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = ref.AgencyExists(ctx, "999")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = ref.SubTierAgencyExists(ctx, "1700")
	require.NoError(t, err)
	assert.True(t, ok)

	award, err := ref.PublishedAward(ctx, "ABC_-NONE-_1")
	require.NoError(t, err)
	require.NotNil(t, award)
	assert.True(t, award.IsActive, "active match preferred, case-insensitive")

	award, err = ref.PublishedAward(ctx, "OLD_-NONE-_2")
	require.NoError(t, err)
	require.NotNil(t, award)
	assert.False(t, award.IsActive)

	award, err = ref.PublishedAward(ctx, "nothing")
	require.NoError(t, err)
	assert.Nil(t, award)
}

func TestReference_SiblingKeys(t *testing.T) {
	loader, _, submissionID, _ := newJob(t)
	db := loader.db
	ctx := context.Background()

	fileA := brokertest.InsertJob(t, db, submissionID, "validation", "finished", "appropriations")
	_, err := loader.Stage(ctx, fileA, "a.csv", []byte("agency_identifier,main_account_code\n097,0100\n020, 0550 \n"))
	require.NoError(t, err)

	keys, err := NewReference(db).SiblingKeys(ctx, submissionID, "appropriations", []string{"agency_identifier", "main_account_code"})
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.True(t, keys.Has(JoinKey([]string{"097", "0100"})))
	assert.True(t, keys.Has(JoinKey([]string{"020", "0550"})))
	assert.False(t, keys.Has(JoinKey([]string{"097", "0550"})))
}
