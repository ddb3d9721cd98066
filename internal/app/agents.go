package app

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// AgentRole is a named prompt specialization. Template may contain a {task}
// placeholder; when absent the task is appended after a blank line.
type AgentRole struct {
	Name               string `yaml:"name"`
	Template           string `yaml:"template"`
	AcceptsPriorOutput bool   `yaml:"accepts_prior_output"`
}

const (
	RoleGenerator  = "generator"
	RoleReviewer   = "reviewer"
	RoleTester     = "tester"
	RoleRefactorer = "refactorer"
	RoleDocumenter = "documenter"
)

const generatorTemplate = `You are an expert code generator. Generate clean, well-documented code for this task:

Task: {task}

Requirements:
- Write production-ready, clean code
- Include proper error handling
- Follow best practices for the language
- Make it maintainable and extensible

Output only the code, no explanations.`

const reviewerTemplate = `You are a senior code reviewer. Review the work for this task thoroughly:

Task: {task}

Cover code quality, potential bugs, performance, security, and best-practice
violations. If the work needs another pass, start your response with the exact
prefix "REVISE:" followed by the required changes. Otherwise summarize why it
is acceptable.`

const testerTemplate = `You are a test generation expert. Generate comprehensive tests for this task:

Task: {task}

Cover normal behavior, edge cases, and error conditions, with assertions,
following the conventions of the language's standard test framework. Generate
complete, runnable test code.`

const refactorerTemplate = `You are a refactoring specialist. Improve the structure and clarity of the work
for this task without changing its behavior:

Task: {task}

Simplify, remove duplication, improve naming, and keep the public surface
stable. Output the improved version.`

const documenterTemplate = `You are a technical writer. Produce clear documentation for this task:

Task: {task}

Include a short overview, usage examples, and notes on edge cases. Write for a
developer seeing the code for the first time.`

func builtinRoles() []AgentRole {
	return []AgentRole{
		{Name: RoleGenerator, Template: generatorTemplate},
		{Name: RoleReviewer, Template: reviewerTemplate, AcceptsPriorOutput: true},
		{Name: RoleTester, Template: testerTemplate, AcceptsPriorOutput: true},
		{Name: RoleRefactorer, Template: refactorerTemplate, AcceptsPriorOutput: true},
		{Name: RoleDocumenter, Template: documenterTemplate, AcceptsPriorOutput: true},
	}
}

// AgentRegistry resolves role names to prompt templates. Roles are data:
// extra ones can be registered at startup or loaded from a YAML file without
// orchestrator changes.
type AgentRegistry struct {
	mu    sync.RWMutex
	roles map[string]AgentRole
}

func NewAgentRegistry() *AgentRegistry {
	r := &AgentRegistry{roles: map[string]AgentRole{}}
	for _, role := range builtinRoles() {
		r.roles[role.Name] = role
	}
	return r
}

func (r *AgentRegistry) Register(role AgentRole) error {
	name := strings.TrimSpace(role.Name)
	if name == "" {
		return fmt.Errorf("agent role with empty name")
	}
	if strings.TrimSpace(role.Template) == "" {
		return fmt.Errorf("agent role %s: empty template", name)
	}
	role.Name = name
	r.mu.Lock()
	r.roles[name] = role
	r.mu.Unlock()
	return nil
}

func (r *AgentRegistry) Get(name string) (AgentRole, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[strings.TrimSpace(name)]
	if !ok {
		return AgentRole{}, fmt.Errorf("%w: %s", ErrUnknownAgentRole, name)
	}
	return role, nil
}

func (r *AgentRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.roles))
	for name := range r.roles {
		names = append(names, name)
	}
	return names
}

// ComposePrompt builds the final prompt for a role. Prior output from the
// preceding agent is only included when the role accepts it.
func (r *AgentRegistry) ComposePrompt(roleName, task, priorOutput string) (string, error) {
	role, err := r.Get(roleName)
	if err != nil {
		return "", err
	}
	var prompt string
	if strings.Contains(role.Template, "{task}") {
		prompt = strings.ReplaceAll(role.Template, "{task}", task)
	} else {
		prompt = role.Template + "\n\n" + task
	}
	if role.AcceptsPriorOutput && strings.TrimSpace(priorOutput) != "" {
		prompt += "\n\nPrior output to consider:\n" + priorOutput
	}
	return prompt, nil
}

// LoadRolesFile registers additional roles from a YAML file containing a list
// of role definitions. Existing names are overridden.
func (r *AgentRegistry) LoadRolesFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var roles []AgentRole
	if err := yaml.Unmarshal(data, &roles); err != nil {
		return fmt.Errorf("parse roles file %s: %w", path, err)
	}
	for _, role := range roles {
		if err := r.Register(role); err != nil {
			return err
		}
	}
	return nil
}
