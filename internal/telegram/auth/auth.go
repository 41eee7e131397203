// Пакет auth предоставляет интерактивный терминальный слой авторизации для
// mcptelegram поверх gotd: чтение номера телефона/кода/2FA из консоли,
// согласие с условиями использования и первичную регистрацию (SignUp).
// Слой связывает терминал пользователя и MTProto-клиента при первом запуске
// (или после истечения сессии), не затрагивая остальную сетевую логику.
package auth

import (
	"context"
	"fmt"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"golang.org/x/term"
)

// TerminalAuthenticator реализует auth.UserAuthenticator и собирает ввод
// напрямую из терминала через собственный *readline.Instance: авторизация
// запускается один раз при старте процесса, до запуска HTTP-хоста, поэтому
// делить stdout с кем-либо ей не нужно.
type TerminalAuthenticator struct {
	// PhoneNumber — номер телефона, с которым выполняется вход. Формат не
	// проверяется; ожидается E.164 (+<код страны><номер>).
	PhoneNumber string

	rl *readline.Instance
}

// NewTerminalAuthenticator создаёт аутентификатор с собственным readline-инстансом.
func NewTerminalAuthenticator(phone string) (*TerminalAuthenticator, error) {
	rl, err := readline.New("")
	if err != nil {
		return nil, errors.Wrap(err, "create readline instance")
	}
	return &TerminalAuthenticator{PhoneNumber: phone, rl: rl}, nil
}

// Close освобождает ресурсы readline-инстанса.
func (t *TerminalAuthenticator) Close() error {
	if t.rl == nil {
		return nil
	}
	return t.rl.Close()
}

func (t *TerminalAuthenticator) readLine(prompt string) (string, error) {
	t.rl.SetPrompt(prompt)
	line, err := t.rl.Readline()
	return strings.TrimSpace(line), err
}

// Phone возвращает заранее известный номер телефона.
func (t *TerminalAuthenticator) Phone(_ context.Context) (string, error) {
	return t.PhoneNumber, nil
}

// Code запрашивает код подтверждения у пользователя. sentCode содержит
// метаданные от Telegram (канал доставки и т.п.) и здесь не используется.
func (t *TerminalAuthenticator) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	return t.readLine("Enter the code from Telegram: ")
}

// Password считывает пароль двухфакторной аутентификации без отображения
// вводимых символов (term.ReadPassword поверх stdin).
func (t *TerminalAuthenticator) Password(_ context.Context) (string, error) {
	fmt.Print("Enter 2FA password: ")
	passwordBytes, err := term.ReadPassword(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return "", errors.Wrap(err, "read password")
	}
	return string(passwordBytes), nil
}

// AcceptTermsOfService выводит текст условий использования и требует явного
// согласия; принимаются только ответы "y"/"Y".
func (t *TerminalAuthenticator) AcceptTermsOfService(_ context.Context, tos tg.HelpTermsOfService) error {
	fmt.Printf("Telegram Terms of Service: %s\n", tos.Text)
	resp, err := t.readLine("Do you accept? (y/n): ")
	if err != nil {
		return err
	}
	if resp != "y" && resp != "Y" {
		return errors.New("user did not accept terms of service")
	}
	return nil
}

// SignUp вызывается для незарегистрированного номера: собирает имя и
// (опциональную) фамилию для отправки в Telegram.
func (t *TerminalAuthenticator) SignUp(_ context.Context) (auth.UserInfo, error) {
	firstName, err := t.readLine("Enter your first name: ")
	if err != nil {
		return auth.UserInfo{}, err
	}
	lastName, _ := t.readLine("Enter your last name (optional): ")
	return auth.UserInfo{
		FirstName: firstName,
		LastName:  lastName,
	}, nil
}
