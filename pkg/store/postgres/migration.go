package postgres

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflows (
				id UUID PRIMARY KEY,
				state VARCHAR(50) NOT NULL,
				repository VARCHAR(255) NOT NULL,
				branch VARCHAR(255) NOT NULL DEFAULT 'main',
				steps JSONB NOT NULL DEFAULT '[]',
				vulnerability_ids JSONB NOT NULL DEFAULT '[]',
				version BIGINT NOT NULL DEFAULT 1,
				retry_count INT NOT NULL DEFAULT 0,
				next_retry_at TIMESTAMP WITH TIME ZONE,
				cancelled BOOLEAN NOT NULL DEFAULT FALSE,
				total_vulnerabilities INT NOT NULL DEFAULT 0,
				critical_count INT NOT NULL DEFAULT 0,
				high_count INT NOT NULL DEFAULT 0,
				triggered_by VARCHAR(100) NOT NULL DEFAULT 'manual',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflows_state ON workflows(state);
			CREATE INDEX idx_workflows_repository ON workflows(repository);
			CREATE INDEX idx_workflows_created_at ON workflows(created_at);
			CREATE INDEX idx_workflows_next_retry_at ON workflows(next_retry_at);

			CREATE TABLE vulnerabilities (
				id VARCHAR(255) PRIMARY KEY,
				source VARCHAR(50) NOT NULL,
				cve_id VARCHAR(50),
				title TEXT NOT NULL,
				severity DOUBLE PRECISION NOT NULL,
				component VARCHAR(255) NOT NULL,
				artifact_ref TEXT,
				has_fix_template BOOLEAN NOT NULL DEFAULT FALSE,
				sensitive BOOLEAN NOT NULL DEFAULT FALSE,
				detected_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE approvals (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL REFERENCES workflows(id),
				status VARCHAR(20) NOT NULL,
				title TEXT,
				priority VARCHAR(5),
				vulnerability_ids JSONB NOT NULL DEFAULT '[]',
				requested_by VARCHAR(255) NOT NULL,
				requested_at TIMESTAMP WITH TIME ZONE NOT NULL,
				expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
				resolved_by VARCHAR(255),
				resolved_at TIMESTAMP WITH TIME ZONE,
				comment TEXT
			);

			CREATE INDEX idx_approvals_workflow_id ON approvals(workflow_id);
			CREATE INDEX idx_approvals_status_expires ON approvals(status, expires_at);

			CREATE TABLE decisions (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL REFERENCES workflows(id),
				vulnerability_id VARCHAR(255) NOT NULL,
				verdict VARCHAR(20) NOT NULL,
				inputs JSONB NOT NULL DEFAULT '{}',
				reason TEXT,
				sequence BIGINT NOT NULL,
				decided_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (workflow_id, sequence)
			);

			CREATE INDEX idx_decisions_workflow_id ON decisions(workflow_id);

			CREATE TABLE audit_entries (
				id UUID PRIMARY KEY,
				timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
				action VARCHAR(100) NOT NULL,
				actor VARCHAR(255) NOT NULL,
				workflow_id UUID,
				vulnerability_id VARCHAR(255),
				approval_id UUID,
				success BOOLEAN NOT NULL DEFAULT TRUE,
				detail TEXT
			);

			CREATE INDEX idx_audit_workflow_id ON audit_entries(workflow_id);
			CREATE INDEX idx_audit_timestamp ON audit_entries(timestamp);
		`,
	}
}
