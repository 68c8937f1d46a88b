package metrics

import "database/sql"

// UpdateDBPoolStats updates relational connection pool metrics from sql.DBStats.
func UpdateDBPoolStats(instance string, stats sql.DBStats) {
	DBConnectionPoolSize.WithLabelValues(instance, "active").Set(float64(stats.InUse))
	DBConnectionPoolSize.WithLabelValues(instance, "idle").Set(float64(stats.Idle))
	DBConnectionPoolSize.WithLabelValues(instance, "max").Set(float64(stats.MaxOpenConnections))
}
