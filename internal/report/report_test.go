package report

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"github.com/example/uniform-check/internal/aggregate"
	"github.com/example/uniform-check/internal/repository"
)

func TestProject(t *testing.T) {
	t2 := time.Date(2026, 3, 1, 8, 1, 0, 0, time.UTC)

	convey.Convey("Given one subject without data and one out of uniform", t, func() {
		subjects := []repository.SubjectProfile{
			{SubjectID: "S1", Username: "alice"},
			{SubjectID: "S2", Username: "bob"},
		}
		statuses := map[string]aggregate.Status{
			"S2": {SubjectID: "S2", LastLabel: "non_compliant", LastIsCompliant: false, LastAt: t2},
		}

		rows := Project(subjects, statuses)

		convey.Convey("Rows keep input order and map statuses", func() {
			convey.So(len(rows), convey.ShouldEqual, 2)
			convey.So(rows[0].SubjectID, convey.ShouldEqual, "S1")
			convey.So(rows[0].Status, convey.ShouldEqual, StatusNoData)
			convey.So(rows[0].LastChecked, convey.ShouldBeNil)
			convey.So(rows[1].SubjectID, convey.ShouldEqual, "S2")
			convey.So(rows[1].Status, convey.ShouldEqual, StatusNotInUniform)
			convey.So(*rows[1].LastChecked, convey.ShouldEqual, t2)
		})
	})

	convey.Convey("Given a compliant subject", t, func() {
		rows := Project(
			[]repository.SubjectProfile{{SubjectID: "S3"}},
			map[string]aggregate.Status{"S3": {LastIsCompliant: true, LastAt: t2}},
		)
		convey.So(rows[0].Status, convey.ShouldEqual, StatusUniformOK)
	})

	convey.Convey("Given no subjects", t, func() {
		rows := Project(nil, map[string]aggregate.Status{"S1": {}})
		convey.So(rows, convey.ShouldBeEmpty)
	})
}

func TestWriteCSV(t *testing.T) {
	checked := time.Date(2026, 3, 1, 8, 1, 0, 0, time.UTC)
	rows := []Row{
		{Username: "alice", Email: "a@example.com", Department: "CS", Year: "2", Division: "A", Status: StatusNoData},
		{Username: `o"neil, jr`, Email: "o@example.com", Department: "Arts\nand Design", Year: "1", Division: "B", Status: StatusUniformOK, LastChecked: &checked},
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, rows); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := strings.SplitN(buf.String(), "\r\n", 2)
	if lines[0] != "Username,Email,Department,Year,Division,Uniform Status,Last Checked" {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], `"alice","a@example.com","CS","2","A","No Data",""`+"\r\n") {
		t.Fatalf("expected every data field quoted, got %q", lines[1])
	}
	if !strings.Contains(buf.String(), `"o""neil, jr"`) {
		t.Fatalf("expected embedded quote to be doubled: %s", buf.String())
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("export is not valid CSV: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(records))
	}
	if records[2][0] != `o"neil, jr` || records[2][2] != "Arts\nand Design" {
		t.Fatalf("fields did not round-trip: %q", records[2])
	}
	if records[1][6] != "" || records[2][6] != "2026-03-01T08:01:00Z" {
		t.Fatalf("unexpected last checked values %q %q", records[1][6], records[2][6])
	}
}
