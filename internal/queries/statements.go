package queries

import (
	"fmt"
	"strings"
)

// Ident quotes a possibly schema-qualified identifier ("public.users" becomes
// "public"."users"). Reserved names such as time stay usable unqualified.
func Ident(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

// literal renders s as a single-quoted SQL string literal.
func literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// DeleteAll clears every row of table. It runs as a statement of its own;
// the load that follows is not in the same transaction.
func DeleteAll(table string) string {
	return "DELETE FROM " + Ident(table)
}

// Insert renders INSERT INTO table (columns) followed by the projection's SELECT.
func Insert(table string, p Projection) string {
	cols := make([]string, len(p.Columns))
	for i, c := range p.Columns {
		cols[i] = Ident(c)
	}
	return fmt.Sprintf("INSERT INTO %s (%s)\n%s", Ident(table), strings.Join(cols, ", "), strings.TrimSpace(p.Select))
}

// RowCount returns SELECT COUNT(*) over table.
func RowCount(table string) string {
	return "SELECT COUNT(*) FROM " + Ident(table)
}

// NullCount returns the count of rows in table where column is NULL.
func NullCount(table, column string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s IS NULL", Ident(table), Ident(column))
}

// SourceURI joins bucket and key into an s3:// URI.
func SourceURI(bucket, key string) string {
	return "s3://" + bucket + "/" + strings.TrimPrefix(key, "/")
}

// CopyParams parameterizes a COPY from object storage into a staging table.
type CopyParams struct {
	Table           string
	Bucket          string
	Key             string
	Region          string
	Format          string // "auto" or an s3:// JSONPaths file
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Copy renders a Redshift COPY ... FORMAT AS JSON statement.
func Copy(p CopyParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "COPY %s\nFROM %s\n", Ident(p.Table), literal(SourceURI(p.Bucket, p.Key)))
	fmt.Fprintf(&b, "ACCESS_KEY_ID %s\nSECRET_ACCESS_KEY %s\n", literal(p.AccessKeyID), literal(p.SecretAccessKey))
	if p.SessionToken != "" {
		fmt.Fprintf(&b, "SESSION_TOKEN %s\n", literal(p.SessionToken))
	}
	if p.Region != "" {
		fmt.Fprintf(&b, "REGION %s\n", literal(p.Region))
	}
	format := p.Format
	if format == "" {
		format = "auto"
	}
	fmt.Fprintf(&b, "FORMAT AS JSON %s", literal(format))
	return b.String()
}
