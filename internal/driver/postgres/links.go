package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Links follow the Cosmos shape: dbs/<schema>/colls/<table>/sprocs/<id>.

func databaseLink(schema string) string { return "dbs/" + schema }

func collectionLink(schema, table string) string { return databaseLink(schema) + "/colls/" + table }

func procedureLink(collLink, id string) string { return collLink + "/sprocs/" + id }

func functionName(table, id string) string { return table + "__" + id }

func splitLink(link string, kinds ...string) ([]string, error) {
	parts := strings.Split(link, "/")
	if len(parts) != 2*len(kinds) {
		return nil, fmt.Errorf("malformed link %q", link)
	}
	ids := make([]string, len(kinds))
	for i, k := range kinds {
		if parts[2*i] != k || parts[2*i+1] == "" {
			return nil, fmt.Errorf("malformed link %q", link)
		}
		ids[i] = parts[2*i+1]
	}
	return ids, nil
}

func parseDatabaseLink(link string) (string, error) {
	ids, err := splitLink(link, "dbs")
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func parseCollectionLink(link string) (schema, table string, err error) {
	ids, err := splitLink(link, "dbs", "colls")
	if err != nil {
		return "", "", err
	}
	return ids[0], ids[1], nil
}

// tableOf returns the quoted table name of a collection link.
func tableOf(collLink string) (string, error) {
	schema, table, err := parseCollectionLink(collLink)
	if err != nil {
		return "", err
	}
	return pgx.Identifier{schema, table}.Sanitize(), nil
}

// functionOf returns the quoted function name of a procedure link.
func functionOf(procLink string) (string, error) {
	ids, err := splitLink(procLink, "dbs", "colls", "sprocs")
	if err != nil {
		return "", err
	}
	return pgx.Identifier{ids[0], functionName(ids[1], ids[2])}.Sanitize(), nil
}
