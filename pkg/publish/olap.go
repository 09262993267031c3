package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"github.com/stleox/seetrace/pkg/config"
	"github.com/stleox/seetrace/pkg/tracer"
)

// OlapPublisher stores one row per span in an OLAP database speaking the MySQL
// protocol. Rows are written synchronously so a rejected batch fails Publish.
type OlapPublisher struct {
	conn sqlx.SqlConn
}

func NewOlapPublisher(dsn string) (*OlapPublisher, error) {
	if dsn == "" {
		dsn = config.SEETRACE_DEFAULT_DSN
	}
	db := sqlx.NewMysql(dsn)

	if err := CreateSpanTable(db); err != nil {
		return nil, fmt.Errorf("creating table t_span: %w", err)
	}
	return &OlapPublisher{conn: db}, nil
}

func (o *OlapPublisher) Publish(ctx context.Context, projectID string, batch []byte) error {
	decoded, err := tracer.DecodeBatch(batch)
	if err != nil {
		return fmt.Errorf("decoding batch: %w", err)
	}
	rows, err := spanRows(projectID, decoded.Traces)
	if err != nil {
		return err
	}
	for len(rows) > 0 {
		n := min(len(rows), maxRowsPerInsert)
		if err := InsertSpans(ctx, o.conn, rows[:n]); err != nil {
			logrus.WithError(err).WithField("rows", n).Warn("SeeTrace couldn't insert spans")
			return fmt.Errorf("inserting spans: %w", err)
		}
		rows = rows[n:]
	}
	return nil
}

// DB

func CreateSpanTable(db sqlx.SqlConn) error {
	_, err := db.Exec("CREATE TABLE IF NOT EXISTS `t_span` " +
		"(project_id VARCHAR(64), " +
		"trace_id VARCHAR(32), " +
		"span_id VARCHAR(20), " +
		"parent_span_id VARCHAR(20), " +
		"name VARCHAR(127), " +
		"kind VARCHAR(24), " +
		"start_time DATETIME(6), " +
		"end_time DATETIME(6), " +
		"labels STRING) " +
		"DISTRIBUTED BY HASH(trace_id) BUCKETS 32 " +
		"PROPERTIES (\"replication_num\" = \"1\");")
	return err
}

const (
	spanColumns      = 9
	maxRowsPerInsert = 1000
)

// InsertSpans writes rows with a single multi-row INSERT.
func InsertSpans(ctx context.Context, db sqlx.SqlConn, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?,", spanColumns), ",") + ")"
	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*spanColumns)
	for _, row := range rows {
		values = append(values, placeholders)
		args = append(args, row...)
	}
	_, err := db.ExecCtx(ctx, "INSERT INTO `t_span` "+
		"(project_id, "+
		"trace_id, "+
		"span_id, "+
		"parent_span_id, "+
		"name, "+
		"kind, "+
		"start_time, "+
		"end_time, "+
		"labels) "+
		"VALUES "+strings.Join(values, ","), args...)
	return err
}

const date6Layout = "2006-01-02 15:04:05.000000"

func spanRows(projectID string, traces []*tracer.Trace) ([][]any, error) {
	rows := make([][]any, 0)
	for _, trace := range traces {
		for _, span := range trace.Spans() {
			labels, err := encodeLabels(span.Labels)
			if err != nil {
				return nil, fmt.Errorf("encoding labels of span %s: %w", span.SpanID, err)
			}
			rows = append(rows, []any{
				projectID,
				trace.TraceID(),
				span.SpanID,
				span.ParentSpanID,
				span.Name,
				string(span.Kind),
				span.StartTime.UTC().Format(date6Layout)[:config.L_DATE6],
				span.EndTime.UTC().Format(date6Layout)[:config.L_DATE6],
				labels,
			})
		}
	}
	return rows, nil
}

// labels as a JSON object, keys sorted
func encodeLabels(labels map[string]string) (string, error) {
	if labels == nil {
		labels = map[string]string{}
	}
	b, err := json.Marshal(labels)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
