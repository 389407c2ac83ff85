package llm

import "fmt"

// AssistantPrefix starts the model's answer, so completions continue a SELECT.
const AssistantPrefix = "SELECT"

// StopSequences cut generation before the model starts explaining itself.
var StopSequences = []string{"<|end|>", ";", "===", "reply:", "To find", "This query", "The above"}

// BuildSystemPrompt constructs the instructions and schema context for SQL generation.
func BuildSystemPrompt(schema string) string {
	return fmt.Sprintf(`You are a SQL expert. Convert questions to PostgreSQL SELECT queries.
Output exactly one SELECT statement. No explanation, no comments, no markdown.
Never use parameters or placeholders such as $1 or ?; write literal values.

Schema:
%s

Key relationships:
- application.loan_type joins to loan_type.loan_type (both SMALLINT)
- application.property_type joins to property_type.property_type (both SMALLINT)
- application.owner_occupancy joins to owner_occupancy.owner_occupancy (both SMALLINT)
- application.denial_reason_1 joins to denial_reason.denial_reason_code (both SMALLINT)
- application.agency_code joins to agency.agency_code (both SMALLINT)
- application.action_taken joins to action_taken.action_taken (both SMALLINT)
- application.state_code joins to state.state_code (both SMALLINT)
- application.county_code joins to county.county_code (both INTEGER)

Important rules:
- loan_amount_000s and applicant_income_000s are in thousands (e.g., 200 = $200,000)
- Lookup tables: code columns are SMALLINT/INTEGER, _name columns are TEXT
- NEVER use subqueries
- To compare columns in same table: use simple WHERE, no JOIN
- To filter by _name: JOIN lookup table on code, then WHERE on _name

Examples:
Q: loan greater than income count
A: SELECT COUNT(*) FROM application WHERE loan_amount_000s>applicant_income_000s

Q: average income owner occupied
A: SELECT AVG(a.applicant_income_000s) FROM application a JOIN owner_occupancy o ON a.owner_occupancy=o.owner_occupancy WHERE o.owner_occupancy_name LIKE '%%Owner%%'

Q: most common denial reason
A: SELECT d.denial_reason_name,COUNT(*) FROM application a JOIN denial_reason d ON a.denial_reason_1=d.denial_reason_code GROUP BY d.denial_reason_name ORDER BY COUNT(*) DESC LIMIT 1`, schema)
}

// BuildPrompt renders the complete Phi-3 instruct prompt for text-completion models.
// The assistant turn is prefilled with AssistantPrefix.
func BuildPrompt(schema, question string) string {
	return "<|system|>\n" + BuildSystemPrompt(schema) + "<|end|>\n" +
		"<|user|>\n" + question + "<|end|>\n" +
		"<|assistant|>\n" + AssistantPrefix
}
