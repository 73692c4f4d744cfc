// File: internal/automation/selectors.go
package automation

import (
	"github.com/iudex-br/sei-bridge/internal/resilience"
)

// Candidate selectors for the SEI screens the engine drives. Lists are
// ordered from the selector observed on current SEI releases down to the
// older markup still in the field; the cascade falls through them and
// recovers drifted ones from memory or vision.

var (
	loginUserField = resilience.LocateRequest{
		ContextKey:  "login.user",
		Description: "campo de usuario na tela de login do SEI",
		Selectors:   []string{"#txtUsuario", "input[name='txtUsuario']", "#usuario"},
	}
	loginPasswordField = resilience.LocateRequest{
		ContextKey:  "login.password",
		Description: "campo de senha na tela de login do SEI",
		Selectors:   []string{"#pwdSenha", "input[name='pwdSenha']", "input[type='password']"},
	}
	loginUnitSelect = resilience.LocateRequest{
		ContextKey:  "login.unit",
		Description: "seletor de orgao na tela de login do SEI",
		Selectors:   []string{"#selOrgao", "select[name='selOrgao']"},
	}
	loginSubmitButton = resilience.LocateRequest{
		ContextKey:  "login.submit",
		Description: "botao de acessar na tela de login do SEI",
		Selectors:   []string{"#sbmAcessar", "#sbmLogin", "button[name='sbmAcessar']", "input[type='submit']"},
	}
	menuRoot = resilience.LocateRequest{
		ContextKey:  "home.menu",
		Description: "menu principal do SEI apos o login",
		Selectors:   []string{"#lnkInfraMenuSistema", "#main-menu", "#divInfraBarraSistema"},
	}
	quickSearchField = resilience.LocateRequest{
		ContextKey:  "search.quick",
		Description: "campo de pesquisa rapida na barra superior do SEI",
		Selectors:   []string{"#txtPesquisaRapida", "input[name='txtPesquisaRapida']"},
	}
	logoutLink = resilience.LocateRequest{
		ContextKey:  "home.logout",
		Description: "link de sair do sistema",
		Selectors:   []string{"#lnkInfraSairSistema", "a[href*='sair']", "img[title='Sair do Sistema']"},
	}
	processTree = resilience.LocateRequest{
		ContextKey:  "process.tree",
		Description: "arvore de documentos do processo aberto",
		Selectors:   []string{"#ifrArvore", "frame[name='ifrArvore']", "iframe[name='ifrArvore']"},
	}
	signPasswordField = resilience.LocateRequest{
		ContextKey:  "sign.password",
		Description: "campo de senha no dialogo de assinatura",
		Selectors:   []string{"#pwdSenha", "input[name='pwdSenha']", "input[type='password']"},
	}
	signRoleSelect = resilience.LocateRequest{
		ContextKey:  "sign.role",
		Description: "seletor de cargo ou funcao no dialogo de assinatura",
		Selectors:   []string{"#selCargoFuncao", "select[name='selCargoFuncao']"},
	}
	signSubmitButton = resilience.LocateRequest{
		ContextKey:  "sign.submit",
		Description: "botao de assinar no dialogo de assinatura",
		Selectors:   []string{"#sbmAssinar", "button[name='sbmAssinar']"},
	}
)

// resilienceRequest builds a one-off locate request for the generic
// click and fill tools.
func resilienceRequest(action, selector, description string) resilience.LocateRequest {
	return resilience.LocateRequest{
		ContextKey:  action + "." + selector,
		Description: description,
		Selectors:   []string{selector},
	}
}

// Frame ids inside the SEI process screen.
const (
	frameTree = "ifrArvore"
	frameView = "ifrVisualizacao"
)
